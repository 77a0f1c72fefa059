// ABOUTME: Operational subcommands for migrations, lock sweeps, tokens and health checks
// ABOUTME: Each command loads the same config file as serve

package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/eventbus"
	"github.com/2389/switchboard/internal/handoff"
	"github.com/2389/switchboard/internal/store"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration management",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateVersionCmd())
	return cmd
}

func newMigrator() (*migrate.Migrate, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.NewMigrator(cfg.Database.Driver, store.MigrationDSN(cfg.Database.Driver, cfg.Database.Source()))
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := newMigrator()
			if err != nil {
				return err
			}
			defer m.Close()

			if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("migrate up: %w", err)
			}
			v, dirty, _ := m.Version()
			fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied. Version: %d, dirty: %v\n", v, dirty)
			return nil
		},
	}
}

func migrateDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down [N]",
		Short: "Roll back N migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) > 0 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return fmt.Errorf("invalid step count %q", args[0])
				}
				steps = n
			}

			m, err := newMigrator()
			if err != nil {
				return err
			}
			defer m.Close()

			if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("migrate down: %w", err)
			}
			v, dirty, _ := m.Version()
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %d step(s). Version: %d, dirty: %v\n", steps, v, dirty)
			return nil
		},
	}
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the current schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := newMigrator()
			if err != nil {
				return err
			}
			defer m.Close()

			v, dirty, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				fmt.Fprintln(cmd.OutOrStdout(), "No migrations applied")
				return nil
			}
			if err != nil {
				return fmt.Errorf("reading version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Version: %d, dirty: %v\n", v, dirty)
			return nil
		},
	}
}

// sweepCmd clears expired locks once. Live sessions on a running gateway
// are not notified; the server's own scheduler does that.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release every expired conversation lock",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging)

			s, err := store.Open(cfg.Database.Driver, cfg.Database.Source(), logger)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer s.Close()

			bus := eventbus.New(eventbus.NewMemoryRegistry(), logger)
			engine := handoff.New(s, bus, cfg.Handoff.DefaultLockTTL, logger)
			expired, err := engine.ExpireSweep(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "  ✓ Released %d expired lock(s)\n", len(expired))
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		id  auth.Identity
		ttl time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed JWT for a staff member",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id.AccountID == "" {
				return errors.New("--account is required")
			}
			if !id.Role.Valid() {
				return fmt.Errorf("invalid role %q", id.Role)
			}
			if !id.Kind.Valid() {
				return fmt.Errorf("invalid kind %q", id.Kind)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return fmt.Errorf("creating JWT verifier: %w", err)
			}
			token, err := verifier.Generate(id, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&id.AccountID, "account", "", "account id (subject)")
	f.StringVar(&id.OrganizationID, "org", "", "organization id")
	f.StringVar(&id.Name, "name", "", "display name")
	f.StringVar((*string)(&id.Role), "role", string(auth.RoleStaff), "role: admin, staff or observer")
	f.StringVar((*string)(&id.Kind), "kind", string(auth.KindStaff), "kind: staff or widget")
	f.DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check a running gateway's readiness",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return nil
		},
	}
}
