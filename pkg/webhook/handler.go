package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
)

// Handler serves automation triggers under /hooks/automations.
//
//	GET  /hooks/automations       per-automation trigger statistics
//	POST /hooks/automations/{id}  run automation id with the JSON body as inputs
//
// Every request must carry a valid X-Conduit-Signature for its raw body.
type Handler struct {
	options     Options
	mux         *http.ServeMux
	rateLimiter *RateLimiter
	stats       *statsTracker

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// NewHandler creates the webhook handler
func NewHandler(options Options) (*Handler, error) {
	if options.Secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if options.Lookup == nil || options.Trigger == nil {
		return nil, fmt.Errorf("webhook handler requires automation lookup and trigger")
	}
	if options.RateLimitPerMinute <= 0 {
		options.RateLimitPerMinute = 60
	}
	if options.Timeout <= 0 {
		options.Timeout = 60 * time.Second
	}
	if options.MaxBodyBytes <= 0 {
		options.MaxBodyBytes = 1 << 20
	}

	h := &Handler{
		options:     options,
		mux:         http.NewServeMux(),
		rateLimiter: NewRateLimiter(options.RateLimitPerMinute),
		stats:       newStatsTracker(),
	}
	h.mux.HandleFunc("GET /hooks/automations", h.handleStats)
	h.mux.HandleFunc("POST /hooks/automations/{id}", h.handleTrigger)
	return h, nil
}

// ServeHTTP applies shutdown, rate limit and signature checks, then routes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.shutdownMu.RLock()
	if h.isShuttingDown {
		h.shutdownMu.RUnlock()
		h.fail(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	h.inFlightReqs.Add(1)
	h.shutdownMu.RUnlock()
	defer h.inFlightReqs.Done()

	ip := clientIP(r)
	if allowed, retryAfter := h.rateLimiter.Allow(ip); !allowed {
		secs := int((retryAfter + time.Second - 1) / time.Second)
		h.options.Logger.Warn().
			Str("ip", ip).
			Str("path", r.URL.Path).
			Int("retry_after", secs).
			Msg("Webhook rate limit exceeded")
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		h.fail(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.options.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			h.fail(w, http.StatusBadRequest, "failed to read request body")
		}
		return
	}

	if !verifySignature(body, r.Header.Get(SignatureHeader), h.options.Secret) {
		h.options.Logger.Warn().Str("ip", ip).Str("path", r.URL.Path).Msg("Invalid webhook signature")
		h.fail(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	r = r.WithContext(withBody(r.Context(), body))
	h.mux.ServeHTTP(w, r)
}

// Close rejects new requests and waits up to timeout for in-flight runs.
func (h *Handler) Close(timeout time.Duration) {
	h.shutdownMu.Lock()
	h.isShuttingDown = true
	h.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() {
		h.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		h.options.Logger.Warn().Msg("Webhook shutdown timeout reached with runs in flight")
	}
}

// Stats returns per-automation trigger statistics
func (h *Handler) Stats() []TriggerStats {
	return h.stats.Snapshot()
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"automations": h.stats.Snapshot()})
}

func (h *Handler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := r.PathValue("id")

	def, ok := h.options.Lookup(id)
	if !ok || def.Disabled {
		h.fail(w, http.StatusNotFound, fmt.Sprintf("automation %s not found", id))
		return
	}

	inputs, err := parseInputs(bodyFromContext(r.Context()))
	if err != nil {
		h.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	traceID := tracing.NewTraceID()
	ctx, cancel := context.WithTimeout(tracing.WithTraceID(r.Context(), traceID), h.options.Timeout)
	defer cancel()

	runErr := h.options.Trigger(ctx, def, inputs)
	duration := time.Since(start)
	h.stats.Track(id, runErr == nil, duration)

	resp := TriggerResponse{AutomationID: id, Success: runErr == nil, DurationMs: duration.Milliseconds()}
	status := http.StatusOK
	if runErr != nil {
		resp.Error = runErr.Error()
		status = http.StatusUnprocessableEntity
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		h.options.Logger.Error().
			Err(runErr).
			Str("automation_id", id).
			Str("trace_id", traceID).
			Dur("duration", duration).
			Msg("Webhook automation failed")
	} else {
		h.options.Logger.Info().
			Str("automation_id", id).
			Str("trace_id", traceID).
			Dur("duration", duration).
			Msg("Webhook automation completed")
	}

	observability.RecordWebhookTrigger(status)
	writeJSON(w, status, resp)
}

func (h *Handler) fail(w http.ResponseWriter, status int, msg string) {
	observability.RecordWebhookTrigger(status)
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseInputs decodes the body as a JSON object; an empty body means no inputs.
func parseInputs(body []byte) (map[string]interface{}, error) {
	inputs := map[string]interface{}{}
	if len(strings.TrimSpace(string(body))) == 0 {
		return inputs, nil
	}
	if err := json.Unmarshal(body, &inputs); err != nil {
		return nil, fmt.Errorf("body must be a JSON object: %w", err)
	}
	return inputs, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// clientIP prefers the first X-Forwarded-For hop, then the remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type bodyKey struct{}

func withBody(ctx context.Context, body []byte) context.Context {
	return context.WithValue(ctx, bodyKey{}, body)
}

func bodyFromContext(ctx context.Context) []byte {
	body, _ := ctx.Value(bodyKey{}).([]byte)
	return body
}
