package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/tenantlink/internal/config"
	"github.com/harun/tenantlink/internal/logger"
	"github.com/harun/tenantlink/internal/observability"
	"github.com/harun/tenantlink/internal/tracing"
	"github.com/harun/tenantlink/pkg/commandqueue"
	"github.com/harun/tenantlink/pkg/credentials"
	"github.com/harun/tenantlink/pkg/gateway"
	"github.com/harun/tenantlink/pkg/network"
	"github.com/harun/tenantlink/pkg/network/bridge"
	"github.com/harun/tenantlink/pkg/session"
	"github.com/harun/tenantlink/pkg/tenants"
	"github.com/harun/tenantlink/pkg/webhook"
	"github.com/spf13/afero"
)

// Daemon represents the tenantlink service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store      tenants.Provider
	creds      *credentials.Store
	queue      *commandqueue.Queue
	dispatcher *webhook.Dispatcher
	hub        *gateway.Hub
	router     *session.Router
	manager    *session.Manager
	prober     *session.Prober

	// Services
	server *gateway.Server

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running     bool
	Uptime      time.Duration
	StartTime   time.Time
	Sessions    int
	Subscribers int
}

var newNetworkFactory = func(cfg config.NetworkConfig) (network.Factory, error) {
	f, err := bridge.NewFactory(bridge.Options{
		URL:            cfg.BridgeURL,
		DialTimeout:    cfg.DialTimeout(),
		RequestTimeout: cfg.RequestTimeout(),
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	// Initialize core modules in dependency order
	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	// Initialize services
	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(cfg.Server.PIDFile, log.GetZerolog())
	d.eventLoop = NewEventLoop(d)

	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	base := d.logger.GetZerolog()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			d.logger.Warn().Err(err).Str("path", cfg.Logging.AuditFile).Msg("Failed to open audit log, auditing to stderr")
		}
	}

	store, err := tenants.Open(d.ctx, tenants.Config{
		Driver:   cfg.Store.Driver,
		Path:     cfg.Store.Path,
		DSN:      cfg.Store.DSN,
		RedisURL: cfg.Store.RedisURL,
	}, base)
	if err != nil {
		return fmt.Errorf("failed to open tenant store: %w", err)
	}
	d.store = store
	d.logger.Info().Str("driver", cfg.Store.Driver).Msg("Tenant store opened")

	creds, err := credentials.NewStore(afero.NewOsFs(), cfg.Sessions.CredentialsDir)
	if err != nil {
		return err
	}
	d.creds = creds

	factory, err := newNetworkFactory(cfg.Network)
	if err != nil {
		return fmt.Errorf("failed to create network driver: %w", err)
	}

	queueLogger := base
	d.queue = commandqueue.New(commandqueue.Options{
		LaneDepth: cfg.Webhook.LaneDepth,
		DedupTTL:  cfg.Webhook.DedupWindow(),
		Logger:    &queueLogger,
	})

	d.dispatcher, err = webhook.NewDispatcher(webhook.Options{
		Tenants:   store,
		Queue:     d.queue,
		Timeout:   cfg.Webhook.Timeout(),
		UserAgent: cfg.Webhook.UserAgent,
		Logger:    base,
	})
	if err != nil {
		return fmt.Errorf("failed to create webhook dispatcher: %w", err)
	}

	d.hub = gateway.NewHub(base)
	d.router = session.NewRouter(d.hub, base)

	d.manager, err = session.NewManager(session.ManagerOptions{
		Factory:             factory,
		Credentials:         creds,
		Router:              d.router,
		Dispatcher:          d.dispatcher,
		Logger:              base,
		EventBuffer:         cfg.Sessions.EventBuffer,
		RecoveryConcurrency: cfg.Sessions.RecoveryConcurrency,
		OperationTimeout:    cfg.Sessions.OperationTimeout(),
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	if cfg.Sessions.ProbeSchedule != "" {
		d.prober, err = session.NewProber(d.manager.Registry(), session.ProberOptions{
			Schedule: cfg.Sessions.ProbeSchedule,
			Timeout:  cfg.Sessions.ProbeTimeout(),
			Logger:   base,
		})
		if err != nil {
			return fmt.Errorf("failed to create state prober: %w", err)
		}
	}

	return nil
}

func (d *Daemon) initializeServices() error {
	cfg := d.config

	server, err := gateway.NewServer(gateway.Config{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		Sessions: d.manager,
		Tenants:  d.store,
		Hub:      d.hub,
		Auth: gateway.AuthConfig{
			AdminKey:    cfg.Server.AdminKey,
			JWKSURL:     cfg.Auth.JWKSURL,
			Issuer:      cfg.Auth.Issuer,
			Audience:    cfg.Auth.Audience,
			HMACSecret:  cfg.Auth.HMACSecret,
			TenantClaim: cfg.Auth.TenantClaim,
		},
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		PingInterval:       cfg.Server.PingInterval(),
		Logger:             d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}
	d.server = server

	if cfg.Server.AdminKey == "" {
		d.logger.Warn().Msg("No admin key configured, admin routes are disabled")
	}
	return nil
}

// abort releases whatever New managed to open.
func (d *Daemon) abort() {
	d.cancel()
	if d.queue != nil {
		_ = d.queue.Close(context.Background())
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// Start starts the daemon
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting tenantlink daemon")

	// Start lifecycle manager
	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	// Start API server
	if err := d.server.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start API server: %w", err)
	}
	logger.Info().Str("addr", d.server.Addr()).Msg("API server started")

	if d.prober != nil {
		d.prober.Start()
		logger.Info().Str("schedule", d.config.Sessions.ProbeSchedule).Msg("State prober started")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	if d.config.Sessions.RecoverOnStart {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.recoverSessions(tracing.WithTraceID(d.ctx, traceID))
		}()
	}

	logger.Info().Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) recoverSessions(ctx context.Context) {
	logger := tracing.LoggerFromContext(ctx, d.logger.Component("recovery"))

	report, err := d.manager.Recover(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Session recovery failed")
		return
	}

	ev := logger.Info()
	if len(report.Failed) > 0 {
		ev = logger.Warn()
	}
	ev.Int("recovered", len(report.Recovered)).
		Int("failed", len(report.Failed)).
		Msg("Session recovery finished")
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop shuts the daemon down: API first, then sessions, then pending webhooks.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping tenantlink daemon")

	ctx, cancel := context.WithTimeout(context.Background(), d.config.ShutdownTimeout())
	defer cancel()

	var errs []error

	// Stop API server
	if err := d.server.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop API server")
		errs = append(errs, err)
	}

	// Stop state prober
	if d.prober != nil {
		if err := d.prober.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop state prober")
		}
	}

	// Cancel context
	d.cancel()

	// Close sessions
	if err := d.manager.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to shut down sessions")
		errs = append(errs, err)
	}
	logger.Info().Msg("Sessions closed")

	// Drain webhook deliveries
	if err := d.queue.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to drain webhook queue")
		errs = append(errs, err)
	}
	logger.Info().Msg("Webhook queue stopped")

	// Wait for goroutines to finish (with timeout)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-ctx.Done():
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close tenant store")
	}

	// Stop lifecycle manager
	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	// Close audit logger
	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:     d.running,
		Sessions:    len(d.manager.Sessions()),
		Subscribers: d.hub.Count(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetSessionManager returns the session manager
func (d *Daemon) GetSessionManager() *session.Manager {
	return d.manager
}

// GetServer returns the API server
func (d *Daemon) GetServer() *gateway.Server {
	return d.server
}

// GetTenantStore returns the tenant store
func (d *Daemon) GetTenantStore() tenants.Provider {
	return d.store
}
