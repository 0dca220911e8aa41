package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/conduit/internal/config"
	"github.com/harun/conduit/internal/logger"
	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/agent"
	"github.com/harun/conduit/pkg/automation"
	"github.com/harun/conduit/pkg/gateway"
	"github.com/harun/conduit/pkg/toolexecutor"
	"github.com/harun/conduit/pkg/webhook"
)

// Daemon represents the conduit service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	tools         *ToolStack
	agentRunner   *agent.Runner
	agents        map[string]agent.AgentConfig
	gatewayServer *gateway.Server
	healthMonitor *toolexecutor.HealthMonitor
	scheduler     *automation.Scheduler
	watcher       *automation.Watcher
	hooks         *webhook.Handler

	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

var newAgentRunner = func(cfg agent.Config) (*agent.Runner, error) {
	return agent.NewRunner(cfg)
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("conduit"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	}

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		return nil, err
	}
	if err := d.initializeServices(); err != nil {
		_ = d.tools.Close()
		cancel()
		return nil, err
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	tools, err := NewToolStack(d.config, d.logger.Component("toolexecutor"))
	if err != nil {
		return fmt.Errorf("failed to build tool stack: %w", err)
	}
	d.tools = tools

	d.agents = AgentConfigs(d.config)
	runner, err := newAgentRunner(agent.Config{
		Dispatcher:   tools.Dispatcher,
		Logger:       d.logger.Component("agent"),
		AuthProfiles: AuthProfiles(d.config.AI.Profiles),
	})
	if err != nil {
		_ = tools.Close()
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.agentRunner = runner

	d.scheduler = automation.NewScheduler(tools.Automations, tools.TriggerAutomation)
	if d.config.Automations.Watch {
		watcher, err := automation.NewWatcher(tools.Automations, 0)
		if err != nil {
			_ = tools.Close()
			return fmt.Errorf("failed to create automation watcher: %w", err)
		}
		d.watcher = watcher
	}

	if d.config.HealthCheck.Enabled {
		d.healthMonitor = toolexecutor.NewHealthMonitor(tools.Registry, d.config.HealthCheck.Schedule, 30*time.Second)
	}

	return nil
}

func (d *Daemon) initializeServices() error {
	var hooks http.Handler
	if secret := d.config.Automations.WebhookSecret; secret != "" {
		h, err := webhook.NewHandler(webhook.Options{
			Secret:             secret,
			RateLimitPerMinute: d.config.Automations.WebhookRateLimit,
			Lookup:             d.tools.Automations.Get,
			Trigger:            d.tools.TriggerAutomation,
			Logger:             d.logger.Component("webhook"),
		})
		if err != nil {
			return fmt.Errorf("failed to create automation webhooks: %w", err)
		}
		d.hooks = h
		hooks = h
	}

	srv, err := gateway.NewServer(gateway.Config{
		Host:            d.config.Gateway.Host,
		Port:            d.config.Gateway.Port,
		SharedSecret:    d.config.Gateway.SharedSecret,
		Runner:          d.agentRunner,
		Dispatcher:      d.tools.Dispatcher,
		Agents:          d.lookupAgent,
		DefaultToolkits: d.config.Tools.DefaultToolkits,
		Hooks:           hooks,
		Logger:          d.logger.Component("gateway"),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = srv
	return nil
}

// lookupAgent resolves an agent id; the empty id means the "default" agent.
func (d *Daemon) lookupAgent(id string) (agent.AgentConfig, bool) {
	if id == "" {
		id = "default"
	}
	cfg, ok := d.agents[id]
	return cfg, ok
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting conduit daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := observability.InitAuditLogger(filepath.Join(d.config.DataDir, "audit.log")); err != nil {
		logger.Warn().Err(err).Msg("Failed to open audit log, auditing to stderr")
	}

	loadCtx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	snap := d.tools.Registry.Load(loadCtx)
	cancel()
	logger.Info().Int("tools", len(snap.Tools)).Int("providers", len(snap.Bindings)).Msg("Tool registry loaded")

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start automation watcher")
		}
	}
	d.scheduler.Reschedule()

	if d.healthMonitor != nil {
		if err := d.healthMonitor.Start(); err != nil {
			return fmt.Errorf("failed to start health monitor: %w", err)
		}
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.Zerolog()
	logger.Info().Msg("Stopping conduit daemon")

	if d.hooks != nil {
		d.hooks.Close(10 * time.Second)
	}
	if err := d.gatewayServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}
	if d.healthMonitor != nil {
		d.healthMonitor.Stop()
	}
	d.scheduler.Stop()
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop automation watcher")
		}
	}

	d.cancel()
	d.wg.Wait()

	if err := d.tools.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close tool stack")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
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

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetToolStack returns the dispatch engine
func (d *Daemon) GetToolStack() *ToolStack {
	return d.tools
}

// GetAgentRunner returns the agent runner
func (d *Daemon) GetAgentRunner() *agent.Runner {
	return d.agentRunner
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
