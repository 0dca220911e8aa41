package daemon

import (
	"context"
	"time"

	"github.com/harun/conduit/pkg/toolexecutor"
)

// EventLoop runs periodic maintenance while the daemon is up.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: 30 * time.Second,
	}
}

// Run runs the event loop until ctx ends.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks reports degraded providers, automation load errors and
// confirmations that are still waiting.
func (e *EventLoop) processTasks(ctx context.Context) {
	tools := e.daemon.tools

	for _, b := range tools.Registry.Bindings() {
		if b.Status != toolexecutor.StatusConnected {
			e.daemon.logger.Warn().
				Str("provider_id", b.ProviderID).
				Str("status", string(b.Status)).
				Str("last_error", b.LastError).
				Msg("Provider not connected")
		}
	}

	for file, msg := range tools.Automations.LoadErrors() {
		e.daemon.logger.Debug().Str("file", file).Str("error", msg).Msg("Automation still invalid")
	}

	if pending := tools.Dispatcher.Gate().Pending(""); len(pending) > 0 {
		e.daemon.logger.Info().Int("pending", len(pending)).Msg("Confirmations awaiting a decision")
	}
}
