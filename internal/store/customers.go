// ABOUTME: Customer persistence with merge-on-upsert semantics
// ABOUTME: Empty profile fields never overwrite stored values

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const customerColumns = `customer_key, channel, external_id, display_name, avatar_url, phone, is_staff, created_at, updated_at`

// UpsertCustomer inserts or merges a customer keyed by channel and external id.
func (s *SQLStore) UpsertCustomer(ctx context.Context, in CustomerUpsert) (*Customer, error) {
	now := formatTime(s.now())
	query := `
		INSERT INTO customers (` + customerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (customer_key) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE customers.display_name END,
			avatar_url = CASE WHEN excluded.avatar_url <> '' THEN excluded.avatar_url ELSE customers.avatar_url END,
			phone = CASE WHEN excluded.phone <> '' THEN excluded.phone ELSE customers.phone END,
			updated_at = excluded.updated_at
		RETURNING ` + customerColumns

	row := s.db.QueryRowContext(ctx, s.q(query),
		CustomerKey(in.Channel, in.ExternalID),
		in.Channel,
		in.ExternalID,
		in.DisplayName,
		in.AvatarURL,
		in.Phone,
		now,
		now,
	)
	c, err := scanCustomer(row)
	if err != nil {
		return nil, fmt.Errorf("upserting customer: %w", err)
	}
	return c, nil
}

// GetCustomer retrieves a customer by identity key.
func (s *SQLStore) GetCustomer(ctx context.Context, key string) (*Customer, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+customerColumns+` FROM customers WHERE customer_key = ?`), key)
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying customer: %w", err)
	}
	return c, nil
}

// SearchCustomers matches name, phone or key, excluding staff test accounts.
func (s *SQLStore) SearchCustomers(ctx context.Context, query string, limit int) ([]*Customer, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+customerColumns+`
		FROM customers
		WHERE is_staff = 0
			AND (LOWER(display_name) LIKE ? OR phone LIKE ? OR LOWER(customer_key) LIKE ?)
		ORDER BY updated_at DESC
		LIMIT ?
	`), pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("searching customers: %w", err)
	}
	defer rows.Close()

	var out []*Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning customer: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetCustomerStaff flags or unflags a customer as an internal account.
func (s *SQLStore) SetCustomerStaff(ctx context.Context, key string, isStaff bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE customers SET is_staff = ?, updated_at = ? WHERE customer_key = ?`),
		boolInt(isStaff), formatTime(s.now()), key)
	if err != nil {
		return fmt.Errorf("updating customer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCustomer(row rowScanner) (*Customer, error) {
	var (
		c                    Customer
		isStaff              int64
		createdAt, updatedAt string
	)
	if err := row.Scan(&c.Key, &c.Channel, &c.ExternalID, &c.DisplayName, &c.AvatarURL, &c.Phone, &isStaff, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.IsStaff = isStaff != 0

	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}
