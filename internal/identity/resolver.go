// ABOUTME: Customer resolution from channel sender ids with non-destructive profile merge
// ABOUTME: Empty hint fields never overwrite stored values

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/switchboard/internal/store"
)

// ErrMissingIdentity is returned when the channel or sender id is empty.
var ErrMissingIdentity = errors.New("missing channel or sender id")

// Hint carries profile details observed on an event. Empty fields are ignored.
type Hint struct {
	Name      string
	AvatarURL string
	Phone     string
}

// Resolver upserts customers by identity key.
type Resolver struct {
	customers store.CustomerStore
	logger    *slog.Logger
}

// NewResolver creates a Resolver. Pass nil logger for default.
func NewResolver(customers store.CustomerStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		customers: customers,
		logger:    logger.With("component", "identity"),
	}
}

// Resolve returns the customer for a channel sender, creating it on first
// sight and merging any non-empty hint fields. Calling it twice with the same
// arguments yields the same record.
func (r *Resolver) Resolve(ctx context.Context, channel, externalID string, hint Hint) (*store.Customer, error) {
	channel = strings.TrimSpace(channel)
	externalID = strings.TrimSpace(externalID)
	if channel == "" || externalID == "" {
		return nil, ErrMissingIdentity
	}

	c, err := r.customers.UpsertCustomer(ctx, store.CustomerUpsert{
		Channel:     channel,
		ExternalID:  externalID,
		DisplayName: strings.TrimSpace(hint.Name),
		AvatarURL:   strings.TrimSpace(hint.AvatarURL),
		Phone:       strings.TrimSpace(hint.Phone),
	})
	if err != nil {
		return nil, fmt.Errorf("resolving customer %s: %w", store.CustomerKey(channel, externalID), err)
	}
	return c, nil
}

// MarkStaff flags or unflags a customer as an internal account, hiding it
// from Search.
func (r *Resolver) MarkStaff(ctx context.Context, key string, isStaff bool) error {
	if err := r.customers.SetCustomerStaff(ctx, key, isStaff); err != nil {
		return fmt.Errorf("marking customer %s: %w", key, err)
	}
	r.logger.Info("customer staff flag changed", "customer_key", key, "is_staff", isStaff)
	return nil
}

// Search finds non-staff customers whose name, phone or key contains query.
func (r *Resolver) Search(ctx context.Context, query string, limit int) ([]*store.Customer, error) {
	found, err := r.customers.SearchCustomers(ctx, strings.TrimSpace(query), limit)
	if err != nil {
		return nil, fmt.Errorf("searching customers: %w", err)
	}
	return found, nil
}
