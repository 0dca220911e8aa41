package automation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TriggerFunc runs a scheduled automation. It normally dispatches the
// automation's descriptor so scheduled runs get the same gate and ledger.
type TriggerFunc func(ctx context.Context, def *Definition, inputs map[string]interface{}) error

// RunState is the bookkeeping of one scheduled automation.
type RunState struct {
	NextRunAt         time.Time `json:"next_run_at,omitempty"`
	LastRunAt         time.Time `json:"last_run_at,omitempty"`
	LastStatus        string    `json:"last_status,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	Running           bool      `json:"running"`
}

// Scheduler fires automations that declare a schedule.
type Scheduler struct {
	catalog *Catalog
	trigger TriggerFunc

	mu      sync.Mutex
	timers  map[string]*time.Timer
	states  map[string]*RunState
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler over catalog. It re-plans on every
// catalog reload.
func NewScheduler(catalog *Catalog, trigger TriggerFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		catalog: catalog,
		trigger: trigger,
		timers:  make(map[string]*time.Timer),
		states:  make(map[string]*RunState),
		ctx:     ctx,
		cancel:  cancel,
	}
	catalog.OnChange(s.Reschedule)
	return s
}

// Reschedule cancels every timer and plans the next run of each scheduled automation.
func (s *Scheduler) Reschedule() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	for id := range s.timers {
		s.cancelLocked(id)
	}

	now := timeNow()
	for _, def := range s.catalog.Definitions() {
		if def.Schedule == nil || def.Disabled {
			continue
		}
		s.scheduleLocked(def, now)
	}
}

func (s *Scheduler) scheduleLocked(def *Definition, now time.Time) {
	next, err := def.Schedule.Next(now)
	if err != nil {
		log.Error().Str("automation", def.ID).Err(err).Msg("Failed to calculate next run")
		return
	}
	state := s.stateLocked(def.ID)
	if next.IsZero() {
		state.NextRunAt = time.Time{}
		return
	}
	state.NextRunAt = next

	delay := next.Sub(now)
	if delay < 0 {
		delay = 0
	}
	s.timers[def.ID] = time.AfterFunc(delay, func() {
		s.run(def.ID)
	})

	log.Debug().
		Str("automation", def.ID).
		Dur("delay", delay).
		Time("next_run", next).
		Msg("Automation scheduled")
}

func (s *Scheduler) cancelLocked(id string) {
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) stateLocked(id string) *RunState {
	state, ok := s.states[id]
	if !ok {
		state = &RunState{}
		s.states[id] = state
	}
	return state
}

// RunNow fires id immediately, outside its schedule.
func (s *Scheduler) RunNow(id string) {
	go s.run(id)
}

func (s *Scheduler) run(id string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	def, ok := s.catalog.Get(id)
	if !ok || def.Disabled {
		s.mu.Unlock()
		log.Debug().Str("automation", id).Msg("Automation no longer exists, skipping run")
		return
	}
	state := s.stateLocked(id)
	if state.Running {
		s.mu.Unlock()
		log.Debug().Str("automation", id).Msg("Automation already running, skipping run")
		return
	}
	state.Running = true
	start := timeNow()
	ctx := s.ctx
	s.mu.Unlock()

	var inputs map[string]interface{}
	if def.Schedule != nil {
		inputs = def.Schedule.Inputs
	}

	log.Info().Str("automation", id).Msg("Running scheduled automation")
	err := s.trigger(ctx, def, inputs)

	s.mu.Lock()
	defer s.mu.Unlock()

	state.Running = false
	state.LastRunAt = start
	if err != nil {
		state.LastStatus = "error"
		state.LastError = err.Error()
		state.ConsecutiveErrors++
		log.Error().
			Str("automation", id).
			Err(err).
			Int("consecutive_errors", state.ConsecutiveErrors).
			Msg("Scheduled automation failed")
	} else {
		state.LastStatus = "ok"
		state.LastError = ""
		state.ConsecutiveErrors = 0
		log.Info().Str("automation", id).Dur("duration", timeNow().Sub(start)).Msg("Scheduled automation completed")
	}

	if s.stopped || def.Schedule == nil {
		return
	}
	// only re-arm if the catalog still holds this exact definition
	if current, ok := s.catalog.Get(id); ok && current == def {
		s.cancelLocked(id)
		s.scheduleLocked(def, timeNow())
	}
}

// State returns a copy of the run state of id.
func (s *Scheduler) State(id string) (RunState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[id]
	if !ok {
		return RunState{}, false
	}
	return *state, true
}

// Stop cancels every timer and in-flight trigger context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	s.cancel()
	for id := range s.timers {
		s.cancelLocked(id)
	}
	log.Info().Msg("Automation scheduler stopped")
}
