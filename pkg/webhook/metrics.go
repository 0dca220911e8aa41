package webhook

import (
	"sort"
	"sync"
	"time"
)

// statsTracker keeps per-automation webhook statistics
type statsTracker struct {
	mu    sync.RWMutex
	stats map[string]*TriggerStats
}

func newStatsTracker() *statsTracker {
	return &statsTracker{stats: make(map[string]*TriggerStats)}
}

// Track records one trigger request
func (st *statsTracker) Track(automationID string, success bool, duration time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.stats[automationID]
	if !ok {
		s = &TriggerStats{AutomationID: automationID}
		st.stats[automationID] = s
	}

	s.TotalRequests++
	if success {
		s.SuccessCount++
	} else {
		s.FailureCount++
	}

	// Running average
	ms := float64(duration) / float64(time.Millisecond)
	s.AverageResponseTime = (s.AverageResponseTime*float64(s.TotalRequests-1) + ms) / float64(s.TotalRequests)
	s.LastRequestAt = time.Now().UnixMilli()
}

// Snapshot returns copies of all stats ordered by automation id
func (st *statsTracker) Snapshot() []TriggerStats {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]TriggerStats, 0, len(st.stats))
	for _, s := range st.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AutomationID < out[j].AutomationID })
	return out
}
