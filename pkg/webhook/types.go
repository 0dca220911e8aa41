package webhook

import (
	"time"

	"github.com/harun/conduit/pkg/automation"
	"github.com/rs/zerolog"
)

// Options configures the automation webhook handler
type Options struct {
	Secret             string        // HMAC-SHA256 key for X-Conduit-Signature
	RateLimitPerMinute int           // Requests per minute per IP (default: 60)
	Timeout            time.Duration // Automation run timeout (default: 60s)
	MaxBodyBytes       int64         // Request body limit (default: 1 MiB)

	Lookup  func(id string) (*automation.Definition, bool)
	Trigger automation.TriggerFunc
	Logger  zerolog.Logger
}

// TriggerStats tracks webhook runs of one automation
type TriggerStats struct {
	AutomationID        string  `json:"automation_id"`
	TotalRequests       int64   `json:"total_requests"`
	SuccessCount        int64   `json:"success_count"`
	FailureCount        int64   `json:"failure_count"`
	AverageResponseTime float64 `json:"average_response_time_ms"`
	LastRequestAt       int64   `json:"last_request_at,omitempty"`
}

// TriggerResponse is the JSON body returned for a trigger request
type TriggerResponse struct {
	AutomationID string `json:"automation_id"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
}
