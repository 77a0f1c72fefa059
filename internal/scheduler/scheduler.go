// ABOUTME: Cron-driven background jobs for lock expiry and token refresh triggers
// ABOUTME: Wraps robfig/cron with slog logging, overlap skipping and panic recovery

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/2389/switchboard/internal/store"
)

// Sweeper clears expired conversation locks.
type Sweeper interface {
	ExpireSweep(ctx context.Context, now time.Time) ([]store.ExpiredLock, error)
}

// RefreshSource lists integrations whose access token expires before a deadline.
type RefreshSource interface {
	IntegrationsNeedingRefresh(ctx context.Context, before time.Time) ([]*store.Integration, error)
}

// TokenRefresher renews an integration's platform token.
type TokenRefresher interface {
	Refresh(ctx context.Context, in *store.Integration) error
}

// Config holds the job intervals.
type Config struct {
	SweepInterval        time.Duration
	TokenRefreshInterval time.Duration
	RefreshWindow        time.Duration
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron      *cron.Cron
	cfg       Config
	sweeper   Sweeper
	source    RefreshSource
	refresher TokenRefresher
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Scheduler. refresher may be nil, in which case due
// integrations are only logged.
func New(cfg Config, sweeper Sweeper, source RefreshSource, refresher TokenRefresher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	if refresher == nil {
		refresher = LogRefresher{Logger: logger}
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(cron.WithLogger(cl), cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		cfg:       cfg,
		sweeper:   sweeper,
		source:    source,
		refresher: refresher,
		logger:    logger,
		now:       time.Now,
	}
}

// Run registers the jobs and blocks until ctx is done, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.sweeper != nil && s.cfg.SweepInterval > 0 {
		if _, err := s.cron.AddFunc(every(s.cfg.SweepInterval), func() { s.Sweep(ctx) }); err != nil {
			return fmt.Errorf("scheduling lock sweep: %w", err)
		}
	}
	if s.source != nil && s.cfg.TokenRefreshInterval > 0 {
		if _, err := s.cron.AddFunc(every(s.cfg.TokenRefreshInterval), func() { s.RefreshTokens(ctx) }); err != nil {
			return fmt.Errorf("scheduling token refresh: %w", err)
		}
	}

	s.logger.Info("scheduler started",
		"sweep_interval", s.cfg.SweepInterval,
		"token_refresh_interval", s.cfg.TokenRefreshInterval,
	)
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// Sweep runs one lock-expiry pass and returns how many locks it cleared.
func (s *Scheduler) Sweep(ctx context.Context) int {
	expired, err := s.sweeper.ExpireSweep(ctx, s.now())
	if err != nil {
		s.logger.Error("lock sweep failed", "error", err)
		return 0
	}
	if len(expired) > 0 {
		s.logger.Info("expired conversation locks", "count", len(expired))
	}
	return len(expired)
}

// RefreshTokens hands every integration whose token expires within the
// refresh window to the refresher. It returns how many succeeded.
func (s *Scheduler) RefreshTokens(ctx context.Context) int {
	due, err := s.source.IntegrationsNeedingRefresh(ctx, s.now().Add(s.cfg.RefreshWindow))
	if err != nil {
		s.logger.Error("listing integrations for refresh failed", "error", err)
		return 0
	}
	ok := 0
	for _, in := range due {
		if ctx.Err() != nil {
			break
		}
		if err := s.refresher.Refresh(ctx, in); err != nil {
			s.logger.Warn("token refresh failed", "integration_id", in.ID, "channel", in.Channel, "error", err)
			continue
		}
		ok++
	}
	return ok
}

// LogRefresher records that a token is due without renewing it.
type LogRefresher struct {
	Logger *slog.Logger
}

// Refresh implements TokenRefresher.
func (r LogRefresher) Refresh(_ context.Context, in *store.Integration) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("integration token due for refresh",
		"integration_id", in.ID,
		"channel", in.Channel,
		"external_id", in.ExternalID,
		"expires_at", in.ExpiresAt,
	)
	return nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
