// ABOUTME: Gateway orchestrator that wires the store, bus, engines and servers together
// ABOUTME: Runs HTTP, gRPC health, scheduler, auto-reply workers and the relay under one errgroup

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/autoreply"
	"github.com/2389/switchboard/internal/channel"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/eventbus"
	"github.com/2389/switchboard/internal/handoff"
	"github.com/2389/switchboard/internal/identity"
	"github.com/2389/switchboard/internal/ingest"
	"github.com/2389/switchboard/internal/scheduler"
	"github.com/2389/switchboard/internal/store"
)

// shutdownTimeout bounds graceful shutdown once the run context is done.
const shutdownTimeout = 5 * time.Second

// Gateway owns every long-running component of a switchboard instance.
type Gateway struct {
	config    *config.Config
	store     store.Store
	bus       *eventbus.Bus
	relay     *eventbus.AMQPRelay
	engine    *handoff.Engine
	pipeline  *ingest.Pipeline
	replies   *autoreply.Dispatcher
	scheduler *scheduler.Scheduler
	channels  *channel.Registry
	resolver  *identity.Resolver
	verifier  *auth.JWTVerifier
	dedupe    *dedupe.Cache
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// workersDone closes once the scheduler, auto-reply workers and relay
	// started by Run have returned. Nil when Run was never called.
	workersDone chan struct{}
}

// New opens the configured store and builds a Gateway around it.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := store.Open(cfg.Database.Driver, cfg.Database.Source(), logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	var relay *eventbus.AMQPRelay
	if cfg.Relay.Enabled {
		relay, err = eventbus.DialAMQPRelay(cfg.Relay.URL, cfg.Relay.Exchange, logger)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	gw, err := NewWithStore(cfg, s, channel.FromConfig(cfg.Channels), logger)
	if err != nil {
		_ = s.Close()
		if relay != nil {
			_ = relay.Close()
		}
		return nil, err
	}
	if relay != nil {
		gw.relay = relay
		gw.bus.SetRelay(relay)
		logger.Info("event relay enabled", "exchange", cfg.Relay.Exchange)
	}
	return gw, nil
}

// NewWithStore builds a Gateway on an already opened store and channel
// registry. The gateway takes ownership of the store.
func NewWithStore(cfg *config.Config, s store.Store, channels *channel.Registry, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	bus := eventbus.New(eventbus.NewMemoryRegistry(), logger)
	resolver := identity.NewResolver(s, logger)
	engine := handoff.New(s, bus, cfg.Handoff.DefaultLockTTL, logger)
	pipeline := ingest.New(s, resolver, bus, logger,
		ingest.WithEchoWindow(cfg.Ingest.EchoWindow),
		ingest.WithSender(channels),
		ingest.WithClaimer(engine),
	)

	gw := &Gateway{
		config:   cfg,
		store:    s,
		bus:      bus,
		engine:   engine,
		pipeline: pipeline,
		channels: channels,
		resolver: resolver,
		verifier: verifier,
		dedupe:   dedupe.New(cfg.Ingest.DedupeTTL, cfg.Ingest.DedupeSize),
		logger:   logger.With("component", "gateway"),
	}
	gw.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.Server.AllowedOrigins),
	}

	if cfg.AutoReply.Enabled {
		ar := cfg.AutoReply
		gw.replies = autoreply.New(autoreply.Config{
			Workers:       ar.Workers,
			QueueSize:     ar.QueueSize,
			Timeout:       ar.Timeout,
			RatePerSecond: ar.RatePerSecond,
			Burst:         ar.Burst,
		}, autoreply.NewClient(ar.Endpoint, ar.APIKey), s, channels, pipeline, logger)
		pipeline.SetReplyDispatcher(gw.replies)
		logger.Info("auto-reply enabled", "endpoint", ar.Endpoint, "workers", ar.Workers)
	}

	gw.scheduler = scheduler.New(scheduler.Config{
		SweepInterval:        cfg.Scheduler.SweepInterval,
		TokenRefreshInterval: cfg.Scheduler.TokenRefreshInterval,
		RefreshWindow:        cfg.Scheduler.RefreshWindow,
	}, engine, s, nil, logger)

	gw.grpcServer, gw.health = newGRPCServer()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Handler returns the HTTP routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	g.registerRoutes(mux)
	return mux
}

// Bus exposes the event bus, used by the CLI and tests.
func (g *Gateway) Bus() *eventbus.Bus { return g.bus }

// Engine exposes the handoff engine, used by the sweep command.
func (g *Gateway) Engine() *handoff.Engine { return g.engine }

// IssueToken signs a token for id, used by the token command.
func (g *Gateway) IssueToken(id auth.Identity, ttl time.Duration) (string, error) {
	return g.verifier.Generate(id, ttl)
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. Returns nil on a clean shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}
	g.workersDone = make(chan struct{})

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	// Background workers write to the store, so Shutdown waits for them
	// before closing it.
	workers, wctx := errgroup.WithContext(gctx)
	workers.Go(func() error { return g.scheduler.Run(wctx) })
	if g.replies != nil {
		workers.Go(func() error { return g.replies.Run(wctx) })
	}
	if g.relay != nil {
		workers.Go(func() error {
			err := g.relay.Run(wctx, g.bus.DeliverRemote)
			if wctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	group.Go(func() error {
		defer close(g.workersDone)
		return workers.Wait()
	})
	group.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return group.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already cancelled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "switchboard", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener exposes HTTP on the tailnet, or publicly through
// funnel so the platforms can deliver webhooks.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	if !tsCfg.Funnel {
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}

	g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
	ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
	}
	return ln, nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// Shutdown gracefully stops all gateway servers, waits for the background
// workers started by Run, and then releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	if g.workersDone != nil {
		select {
		case <-g.workersDone:
		case <-ctx.Done():
			g.logger.Warn("background workers still running at shutdown deadline")
		}
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.relay != nil {
		errs = appendCloseError(errs, "relay close", g.relay.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.dedupe.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.bus.Sessions())
}
