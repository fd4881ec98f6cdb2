package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/runloop/internal/config"
	"github.com/harun/runloop/internal/logger"
	"github.com/harun/runloop/internal/observability"
	"github.com/harun/runloop/internal/tracing"
	"github.com/harun/runloop/pkg/browser"
	"github.com/harun/runloop/pkg/commandqueue"
	"github.com/harun/runloop/pkg/coretools"
	"github.com/harun/runloop/pkg/events"
	"github.com/harun/runloop/pkg/gateway"
	"github.com/harun/runloop/pkg/orchestrator"
	"github.com/harun/runloop/pkg/planner"
	"github.com/harun/runloop/pkg/store"
	"github.com/harun/runloop/pkg/toolexecutor"
)

// Daemon wires every runloop component from a Config.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store        store.Store
	registry     *toolexecutor.Registry
	planner      planner.Planner
	queue        *commandqueue.CommandQueue
	orchestrator *orchestrator.Orchestrator
	browser      *browser.RodClient

	// Events
	bus      *events.Broadcaster
	hub      *events.Hub
	natsSink *events.NATSSink

	// Services
	gatewayServer *gateway.Server
	sweeper       *orchestrator.Sweeper
	watcher       *config.Watcher
	lifecycle     *LifecycleManager

	startTime time.Time
	running   bool
	closed    bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status describes a running daemon.
type Status struct {
	Running   bool                     `json:"running"`
	Uptime    time.Duration            `json:"uptime"`
	StartTime time.Time                `json:"start_time"`
	Lanes     []commandqueue.LaneStats `json:"lanes"`
}

// New builds a daemon. Nothing listens or runs on a schedule until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
	}
	zl := log.Zerolog()

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			zl.Info().Msg("Tracing initialized successfully")
		}
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			zl.Warn().Err(err).Str("path", cfg.Logging.AuditFile).Msg("Failed to open audit log, auditing to the default output")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// initializeCoreModules builds the store, tool registry, planner, event
// sinks and orchestrator in dependency order.
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	zl := d.logger.Zerolog()

	switch cfg.Store.Driver {
	case "memory":
		d.store = store.NewMemoryStore()
	case "sqlite", "":
		st, err := store.OpenSQLite(context.Background(), cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		d.store = st
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	zl.Info().Str("driver", cfg.Store.Driver).Str("path", cfg.Store.Path).Msg("Store opened")

	registry, err := d.buildRegistry()
	if err != nil {
		return err
	}
	d.registry = registry

	if len(cfg.Planner.Profiles) > 0 {
		d.planner = planner.NewLLMPlanner(planner.LLMConfig{
			Profiles:    cfg.Planner.Profiles,
			MaxTokens:   cfg.Planner.MaxTokens,
			Temperature: cfg.Planner.Temperature,
			MaxRetries:  cfg.Planner.MaxRetries,
			Catalog:     registry,
			Logger:      zl,
		})
		zl.Info().Int("profiles", len(cfg.Planner.Profiles)).Msg("LLM planner configured")
	} else {
		zl.Warn().Msg("No planner profiles configured, runs use the heuristic planner only")
	}

	d.queue = commandqueue.New(zl)

	d.hub = events.NewHub()
	d.bus = events.NewBroadcaster(zl, events.NewLogSink(zl), d.hub)
	if cfg.Events.NATSURL != "" {
		sink, err := events.NewNATSSink(cfg.Events.NATSURL, cfg.Events.NATSSubject, zl)
		if err != nil {
			zl.Warn().Err(err).Str("url", cfg.Events.NATSURL).Msg("Failed to connect to NATS, continuing without it")
		} else {
			d.natsSink = sink
			d.bus.Attach(sink)
		}
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Store:          d.store,
		Registry:       registry,
		Planner:        d.planner,
		Events:         d.bus,
		Queue:          d.queue,
		Logger:         zl,
		MaxSteps:       cfg.Orchestrator.MaxSteps,
		PlannerTimeout: cfg.Orchestrator.PlannerTimeout(),
		ToolTimeout:    cfg.Orchestrator.ToolTimeout(),
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	d.orchestrator = orch

	return nil
}

func (d *Daemon) buildRegistry() (*toolexecutor.Registry, error) {
	cfg := d.config
	zl := d.logger.Zerolog()

	registry := toolexecutor.New(toolexecutor.Config{
		Logger:         zl,
		DefaultTimeout: cfg.Orchestrator.ToolTimeout(),
		Mock:           cfg.Tools.Mock,
	})

	opts := coretools.Options{
		WorkspaceDir: cfg.Tools.WorkspaceDir,
		ArtifactDir:  cfg.Tools.ArtifactDir,
		ExecEnabled:  cfg.Tools.ExecEnabled,
		HTTPTimeout:  time.Duration(cfg.Tools.HTTPTimeoutMs) * time.Millisecond,
		RateAPIURL:   cfg.Tools.RateAPIURL,
		SearchURL:    cfg.Tools.SearchURL,
		Logger:       zl,
	}
	if cfg.Tools.ImageAPIKey != "" {
		opts.Images = coretools.NewOpenAIImages(cfg.Tools.ImageAPIKey, cfg.Tools.ImageModel)
	}
	if err := coretools.Register(registry, opts); err != nil {
		return nil, fmt.Errorf("failed to register core tools: %w", err)
	}

	browserOpts := browser.ToolOptions{ArtifactDir: cfg.Tools.ArtifactDir}
	if cfg.Browser.Enabled {
		d.browser = browser.NewRodClient(browser.Config{
			Headless: cfg.Browser.Headless,
			Security: browser.SecurityConfig{
				AllowedDomains: cfg.Browser.AllowedDomains,
				BlockedDomains: cfg.Browser.BlockedDomains,
			},
		}, zl)
		browserOpts.Client = d.browser
	}
	if err := browser.Register(registry, browserOpts); err != nil {
		return nil, fmt.Errorf("failed to register browser tools: %w", err)
	}

	zl.Info().
		Int("tools", len(registry.Describe())).
		Bool("mock", cfg.Tools.Mock).
		Bool("browser", cfg.Browser.Enabled).
		Msg("Tool registry ready")
	return registry, nil
}

// initializeServices builds the gateway and the approval sweeper.
func (d *Daemon) initializeServices() error {
	cfg := d.config
	zl := d.logger.Zerolog()

	if cfg.Gateway.Enabled {
		server, err := gateway.NewServer(gateway.Config{
			Port:         cfg.Gateway.Port,
			SharedSecret: cfg.Gateway.SharedSecret,
			Runner:       d.orchestrator,
			Catalog:      d.registry,
			Status:       func() interface{} { return d.Status() },
			Logger:       zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = server
		d.bus.Attach(server.Sink())
	}

	if ttl := cfg.Orchestrator.ApprovalTTL(); ttl > 0 {
		spec := cfg.Orchestrator.ApprovalSweep
		if spec == "" {
			spec = orchestrator.DefaultSweepSpec
		}
		sweeper, err := orchestrator.NewSweeper(d.orchestrator, spec, ttl, zl)
		if err != nil {
			return fmt.Errorf("failed to create approval sweeper: %w", err)
		}
		d.sweeper = sweeper
	}

	return nil
}

// Start writes the PID file and starts the gateway and the approval sweeper.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("daemon is closed")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting runloop daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			_ = d.lifecycle.Stop()
			d.setStopped()
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")
	}

	if d.sweeper != nil {
		d.sweeper.Start()
		logger.Info().
			Str("schedule", d.config.Orchestrator.ApprovalSweep).
			Dur("ttl", d.config.Orchestrator.ApprovalTTL()).
			Msg("Approval sweeper started")
	}

	logger.Info().Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// WatchConfig hot-reloads the log level and step budget when path changes.
func (d *Daemon) WatchConfig(path string) error {
	watcher, err := config.Watch(path, d.logger.Zerolog(), d.applyConfig)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.watcher = watcher
	d.mu.Unlock()
	return nil
}

func (d *Daemon) applyConfig(cfg *config.Config) {
	zl := d.logger.Zerolog()
	if err := d.logger.SetLevel(cfg.Logging.Level); err != nil {
		zl.Warn().Err(err).Msg("Failed to apply log level")
	}
	d.orchestrator.SetMaxSteps(cfg.Orchestrator.MaxSteps)
	zl.Info().
		Str("log_level", cfg.Logging.Level).
		Int("max_steps", cfg.Orchestrator.MaxSteps).
		Msg("Config reloaded")
}

// Stop stops the services and releases every resource.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	watcher := d.watcher
	d.watcher = nil
	d.mu.Unlock()

	logger := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping runloop daemon")

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if d.sweeper != nil {
		d.sweeper.Stop()
		logger.Info().Msg("Approval sweeper stopped")
	}

	if d.gatewayServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.gatewayServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
		cancel()
	}

	// Let in-flight runs reach a terminal or blocked state before the store closes.
	if d.queue != nil && !d.queue.WaitForActive(30*time.Second) {
		logger.Warn().Msg("Timed out waiting for in-flight runs")
	}

	d.Close()

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Close releases the queue, store, sinks, browser, tracing and audit log. It
// is safe to call more than once and is used directly by one-shot commands.
func (d *Daemon) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	logger := d.logger.Zerolog()

	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close command queue")
		}
	}

	if d.natsSink != nil {
		d.natsSink.Close()
	}

	if d.browser != nil {
		if err := d.browser.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("Failed to shut down browser")
		}
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close store")
		}
	}

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		Lanes:   d.orchestrator.LaneStats(),
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
	zl := d.logger.Zerolog()
	zl.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		zl := d.logger.Zerolog()
		zl.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetOrchestrator returns the run orchestrator.
func (d *Daemon) GetOrchestrator() *orchestrator.Orchestrator {
	return d.orchestrator
}

// GetRegistry returns the tool registry.
func (d *Daemon) GetRegistry() *toolexecutor.Registry {
	return d.registry
}

// GetStore returns the durable store.
func (d *Daemon) GetStore() store.Store {
	return d.store
}

// GetHub returns the in-process event hub.
func (d *Daemon) GetHub() *events.Hub {
	return d.hub
}

// GetGatewayServer returns the gateway, or nil when it is disabled.
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// Handler exposes the gateway routes, or a 404 handler when it is disabled.
func (d *Daemon) Handler() http.Handler {
	if d.gatewayServer == nil {
		return http.NotFoundHandler()
	}
	return d.gatewayServer.Handler()
}
