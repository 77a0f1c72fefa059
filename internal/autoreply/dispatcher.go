// ABOUTME: Bounded worker pool answering inbound questions through the external service
// ABOUTME: Jobs are queued without blocking, rate limited, and delivered back through ingest

package autoreply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/2389/switchboard/internal/channel"
	"github.com/2389/switchboard/internal/ingest"
	"github.com/2389/switchboard/internal/store"
)

// Defaults
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
	DefaultTimeout   = 120 * time.Second
)

// Config sizes the dispatcher.
type Config struct {
	Workers       int
	QueueSize     int
	Timeout       time.Duration
	RatePerSecond float64 // zero means unlimited
	Burst         int
}

// Ingester records delivered answers.
type Ingester interface {
	Ingest(ctx context.Context, ev ingest.Event) (*ingest.Result, error)
}

// Integrations finds the integration a reply is sent through.
type Integrations interface {
	FindIntegration(ctx context.Context, channel, externalID string) (*store.Integration, error)
}

// Dispatcher runs reply jobs on a fixed set of workers.
type Dispatcher struct {
	queue        chan ingest.ReplyJob
	workers      int
	timeout      time.Duration
	limiter      *rate.Limiter
	asker        Asker
	integrations Integrations
	sender       channel.Sender
	ingester     Ingester
	logger       *slog.Logger
}

// New creates a Dispatcher. Pass nil logger for default.
func New(cfg Config, asker Asker, integrations Integrations, sender channel.Sender, ingester Ingester, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.Workers
	}

	return &Dispatcher{
		queue:        make(chan ingest.ReplyJob, cfg.QueueSize),
		workers:      cfg.Workers,
		timeout:      cfg.Timeout,
		limiter:      rate.NewLimiter(limit, burst),
		asker:        asker,
		integrations: integrations,
		sender:       sender,
		ingester:     ingester,
		logger:       logger.With("component", "autoreply"),
	}
}

// Dispatch queues a job. It never blocks; a full queue drops the job.
func (d *Dispatcher) Dispatch(job ingest.ReplyJob) bool {
	select {
	case d.queue <- job:
		return true
	default:
		d.logger.Warn("auto-reply queue full, dropping job", "conversation_id", job.ConversationID)
		return false
	}
}

// Run processes jobs until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("auto-reply workers started", "workers", d.workers)
	g, ctx := errgroup.WithContext(ctx)
	for range d.workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case job := <-d.queue:
					if err := d.handle(ctx, job); err != nil {
						d.logger.Warn("auto-reply failed", "conversation_id", job.ConversationID, "error", err)
					}
				}
			}
		})
	}
	return g.Wait()
}

// handle answers one job. Nothing is written unless the platform accepted the answer.
func (d *Dispatcher) handle(ctx context.Context, job ingest.ReplyJob) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limit: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	in, err := d.integrations.FindIntegration(ctx, job.Channel, job.ConversationKey)
	if err != nil {
		return fmt.Errorf("finding integration: %w", err)
	}
	if !in.IsActive {
		return errors.New("integration is inactive")
	}

	answer, err := d.asker.Ask(ctx, job.Question)
	if err != nil {
		return err
	}

	receipt, err := d.sender.Send(ctx, in, job.CustomerID, answer.Text)
	if err != nil {
		return fmt.Errorf("sending answer: %w", err)
	}

	_, err = d.ingester.Ingest(ctx, ingest.Event{
		Channel:         job.Channel,
		ConversationKey: job.ConversationKey,
		CustomerID:      job.CustomerID,
		Direction:       store.DirectionOut,
		Text:            receipt.DeliveredText(answer.Text),
		Metadata: map[string]any{
			"auto_reply":   true,
			"source":       "external_api",
			"api_response": answer.Raw,
			"receipt":      receipt,
		},
		Tenant:        job.Tenant,
		SenderKey:     "bot:" + job.ConversationKey,
		SenderProfile: store.Profile{Name: in.Name, Avatar: in.AvatarURL},
	})
	if err != nil {
		return fmt.Errorf("recording answer: %w", err)
	}
	d.logger.Debug("auto-reply delivered", "conversation_id", job.ConversationID)
	return nil
}
