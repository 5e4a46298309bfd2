// ABOUTME: Relay orchestrator that wires limiter, registry, heartbeat monitor and session coordinator
// ABOUTME: Owns the HTTP server lifecycle on a TCP or tailnet listener

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/heartbeat"
	"github.com/2389/coven-relay/internal/interactive"
	"github.com/2389/coven-relay/internal/ratelimit"
	"github.com/2389/coven-relay/internal/registry"
	"github.com/2389/coven-relay/internal/reporter"
	"github.com/2389/coven-relay/internal/transport"
)

// Idempotency-Key values are remembered this long, up to this many at once.
const (
	idempotencyTTL     = 10 * time.Minute
	idempotencyMaxKeys = 10_000
)

// Gateway orchestrates the coven-relay server components.
// Each component is constructed once in New and injected into the ones that need it.
type Gateway struct {
	config      *config.Config
	limiter     *ratelimit.Limiter
	registry    *registry.Registry
	monitor     *heartbeat.Monitor
	sessions    *interactive.Coordinator
	reporter    *reporter.Reporter
	replays     *dedupe.Window
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// serverID identifies this relay instance
	serverID string

	upgrader websocket.Upgrader
	connOpts transport.Options

	// connCtx outlives individual requests; read pumps stop when it is canceled
	connCtx    context.Context
	connCancel context.CancelFunc

	// loopCtx governs the background sweep and flush loops
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loops      sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	limiter := ratelimit.New(ratelimit.Config{
		Window:           cfg.RateLimit.Window,
		MaxMessages:      cfg.RateLimit.MaxMessages,
		UploadsPerMinute: cfg.Uploads.PerMinute,
		UploadsPerHour:   cfg.Uploads.PerHour,
		MaxFileSize:      cfg.Uploads.MaxFileSize,
		MaxHourlyBytes:   cfg.Uploads.MaxHourlyBytes,
		UploadCooldown:   cfg.Uploads.Cooldown,
		SweepInterval:    cfg.RateLimit.SweepInterval,
	})

	reg := registry.New(registry.Config{
		MaxConnections:    cfg.Registry.MaxConnections,
		MaxQueuedMessages: cfg.Registry.MaxQueuedMessages,
		QueueTTL:          cfg.Registry.QueueTTL,
		SendTimeout:       cfg.Registry.SendTimeout,
		FlushInterval:     cfg.Registry.FlushInterval,
	}, limiter, logger)

	monitor := heartbeat.New(heartbeat.Config{
		Interval: cfg.Heartbeat.Interval,
		Timeout:  cfg.Heartbeat.Timeout,
	}, reg, logger)
	reg.AddObserver(monitor)

	sessions := interactive.New(interactive.Config{
		DefaultTimeout:      cfg.Interactive.QuestionTimeout(),
		AllowPartialAnswers: cfg.Interactive.AllowPartialAnswers,
	}, reg, logger)

	connOpts := transport.DefaultOptions()
	// A client that misses every probe is evicted by the monitor first.
	connOpts.ReadTimeout = cfg.Heartbeat.Timeout + cfg.Heartbeat.Interval

	gw := &Gateway{
		config:   cfg,
		limiter:  limiter,
		registry: reg,
		monitor:  monitor,
		sessions: sessions,
		reporter: reporter.New(reg, envelope.NewRenderer(cfg.Envelope.RenderMarkdown), logger),
		replays:  dedupe.New(idempotencyTTL, idempotencyMaxKeys),
		logger:   logger.With("component", "gateway"),
		serverID: generateServerID(),
		connOpts: connOpts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	gw.connCtx, gw.connCancel = context.WithCancel(context.Background())
	gw.loopCtx, gw.loopCancel = context.WithCancel(context.Background())

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving the websocket endpoint and API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Registry exposes the connection registry for in-process publishers.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Sessions exposes the interactive session coordinator.
func (g *Gateway) Sessions() *interactive.Coordinator {
	return g.sessions
}

// Reporter exposes the task reporter for in-process task executors.
func (g *Gateway) Reporter() *reporter.Reporter {
	return g.reporter
}

// setupTCPListener creates a standard TCP listener for HTTP and websocket traffic.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting relay", "http_addr", g.config.Server.HTTPAddr, "server_id", g.serverID)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates a listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startLoops launches the background loops in dependency order: limiter sweep,
// registry flush, then heartbeat probes.
func (g *Gateway) startLoops() error {
	g.loops.Go(func() { g.limiter.Run(g.loopCtx) })
	g.loops.Go(func() { g.replays.Run(g.loopCtx) })
	g.loops.Go(func() { g.registry.Run(g.loopCtx) })
	if err := g.monitor.Start(g.loopCtx); err != nil {
		return fmt.Errorf("starting heartbeat monitor: %w", err)
	}
	return nil
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the relay and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	if err := g.startLoops(); err != nil {
		_ = ln.Close()
		return errors.Join(err, g.gracefulShutdown())
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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
	return filepath.Join(homeDir, ".local", "share", "coven-relay", "tailscale"), nil
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

// setupTailscaleListener joins the tailnet and returns the HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
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
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
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

// createTailscaleHTTPListener picks Funnel, tailnet HTTPS or plain :80.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the components in reverse start order. Calls after the first
// return the first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down relay")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Hijacked websocket connections are not tracked by http.Server.
	g.connCancel()
	g.monitor.Stop()

	g.loopCancel()
	g.loops.Wait()

	g.sessions.Close()
	g.registry.Close()
	g.limiter.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// generateServerID creates a unique identifier for this relay instance.
func generateServerID() string {
	return "coven-relay-" + xid.New().String()
}
