// ABOUTME: database/sql implementation of the Store interface for SQLite and Postgres
// ABOUTME: Opens the database, applies migrations, and holds shared scan/format helpers

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect names accepted by Open.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// timeFormat is fixed width so that lexical order matches chronological order.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// SQLStore implements Store on top of database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect string
	logger  *slog.Logger
	now     func() time.Time
}

// Open connects to the database described by driver and dsn and applies migrations.
// For sqlite the dsn is a file path.
func Open(driver, dsn string, logger *slog.Logger) (*SQLStore, error) {
	switch driver {
	case DialectSQLite, "":
		return OpenSQLite(dsn, logger)
	case DialectPostgres:
		return OpenPostgres(dsn, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// OpenSQLite creates or opens a SQLite database at path.
// Parent directories are created if needed.
func OpenSQLite(path string, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := sqliteDSN(path)
	if err := migrateUp(DialectSQLite, dsn); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite serializes writers; a single connection keeps lock transitions
	// and echo guards strictly ordered within the process.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return &SQLStore{db: db, dialect: DialectSQLite, logger: logger, now: time.Now}, nil
}

// OpenPostgres connects to Postgres through the pgx stdlib driver.
func OpenPostgres(dsn string, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if err := migrateUp(DialectPostgres, dsn); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("Postgres store initialized")
	return &SQLStore{db: db, dialect: DialectPostgres, logger: logger, now: time.Now}, nil
}

// sqliteDSN enables WAL, foreign keys and a busy timeout on every connection.
func sqliteDSN(path string) string {
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Dialect returns the SQL dialect in use.
func (s *SQLStore) Dialect() string {
	return s.dialect
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	s.logger.Info("closing store")
	return s.db.Close()
}

// q rewrites ? placeholders into $n for Postgres.
func (s *SQLStore) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// lockConversationTx serializes echo guards for one conversation on Postgres.
// SQLite needs nothing: its single writer already serializes the transaction.
func (s *SQLStore) lockConversationTx(ctx context.Context, tx *sql.Tx, conversationID string) error {
	if s.dialect != DialectPostgres {
		return nil
	}
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, conversationID)
	return err
}

// isConstraintViolation checks if the error is a UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed") ||
		strings.Contains(errStr, "SQLSTATE 23505")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullString converts empty strings to NULL for optional fields.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}
