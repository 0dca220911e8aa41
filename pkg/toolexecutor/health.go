package toolexecutor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// HealthMonitor periodically pings connected providers and retries
// unreachable ones so they rejoin the next snapshot.
type HealthMonitor struct {
	registry *Registry
	schedule string
	timeout  time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	lastRun time.Time
}

// NewHealthMonitor creates a monitor that runs on schedule, a cron
// expression or descriptor such as "@every 30s".
func NewHealthMonitor(registry *Registry, schedule string, timeout time.Duration) *HealthMonitor {
	if schedule == "" {
		schedule = "@every 30s"
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HealthMonitor{registry: registry, schedule: schedule, timeout: timeout}
}

// Start schedules the checks. Calling Start twice is an error.
func (m *HealthMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron != nil {
		return fmt.Errorf("health monitor already started")
	}

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := c.AddFunc(m.schedule, m.RunOnce); err != nil {
		return fmt.Errorf("invalid health check schedule %q: %w", m.schedule, err)
	}
	c.Start()
	m.cron = c

	log.Info().Str("schedule", m.schedule).Msg("Provider health monitor started")
	return nil
}

// RunOnce performs one health pass.
func (m *HealthMonitor) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.registry.CheckHealth(ctx)

	m.mu.Lock()
	m.lastRun = time.Now()
	m.mu.Unlock()
}

// LastRun returns when the last pass finished.
func (m *HealthMonitor) LastRun() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

// Stop halts scheduling and waits for a running pass.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	log.Info().Msg("Provider health monitor stopped")
}
