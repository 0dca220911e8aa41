package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/harun/conduit/pkg/automation"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "hook-secret"

type triggerRecorder struct {
	mu    sync.Mutex
	calls []map[string]interface{}
	err   error
	block bool
}

func (tr *triggerRecorder) trigger(ctx context.Context, def *automation.Definition, inputs map[string]interface{}) error {
	tr.mu.Lock()
	tr.calls = append(tr.calls, inputs)
	err, block := tr.err, tr.block
	tr.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func newTestHandler(t *testing.T, rec *triggerRecorder, mutate func(*Options)) *Handler {
	t.Helper()
	defs := map[string]*automation.Definition{
		"daily_report": {ID: "daily_report", Description: "Send the daily report"},
		"old_report":   {ID: "old_report", Disabled: true},
	}
	opts := Options{
		Secret: testSecret,
		Lookup: func(id string) (*automation.Definition, bool) {
			def, ok := defs[id]
			return def, ok
		},
		Trigger: rec.trigger,
		Logger:  zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	h, err := NewHandler(opts)
	require.NoError(t, err)
	return h
}

func signedRequest(method, path string, body []byte, secret string) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, secret))
	}
	return req
}

func TestNewHandlerValidation(t *testing.T) {
	rec := &triggerRecorder{}
	_, err := NewHandler(Options{Trigger: rec.trigger})
	assert.Error(t, err)

	_, err = NewHandler(Options{Secret: "s"})
	assert.Error(t, err)
}

func TestTriggerSuccess(t *testing.T) {
	rec := &triggerRecorder{}
	h := newTestHandler(t, rec, nil)

	body := []byte(`{"recipient":"ops@example.com"}`)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(http.MethodPost, "/hooks/automations/daily_report", body, testSecret))

	require.Equal(t, http.StatusOK, w.Code)
	var resp TriggerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "daily_report", resp.AutomationID)

	require.Len(t, rec.calls, 1)
	assert.Equal(t, "ops@example.com", rec.calls[0]["recipient"])

	stats := h.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].SuccessCount)
}

func TestTriggerEmptyBody(t *testing.T) {
	rec := &triggerRecorder{}
	h := newTestHandler(t, rec, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(http.MethodPost, "/hooks/automations/daily_report", nil, testSecret))

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, rec.calls, 1)
	assert.Empty(t, rec.calls[0])
}

func TestTriggerRejections(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   []byte
		secret string
		status int
	}{
		{"missing signature", "/hooks/automations/daily_report", []byte(`{}`), "", http.StatusUnauthorized},
		{"wrong secret", "/hooks/automations/daily_report", []byte(`{}`), "other", http.StatusUnauthorized},
		{"unknown automation", "/hooks/automations/ghost", []byte(`{}`), testSecret, http.StatusNotFound},
		{"disabled automation", "/hooks/automations/old_report", []byte(`{}`), testSecret, http.StatusNotFound},
		{"body not an object", "/hooks/automations/daily_report", []byte(`[1,2]`), testSecret, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &triggerRecorder{}
			h := newTestHandler(t, rec, nil)

			w := httptest.NewRecorder()
			h.ServeHTTP(w, signedRequest(http.MethodPost, tt.path, tt.body, tt.secret))

			assert.Equal(t, tt.status, w.Code)
			assert.Empty(t, rec.calls)
		})
	}
}

func TestTriggerFailureAndTimeout(t *testing.T) {
	t.Run("automation error", func(t *testing.T) {
		rec := &triggerRecorder{err: errors.New("step send failed")}
		h := newTestHandler(t, rec, nil)

		w := httptest.NewRecorder()
		h.ServeHTTP(w, signedRequest(http.MethodPost, "/hooks/automations/daily_report", nil, testSecret))

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Contains(t, w.Body.String(), "step send failed")
		assert.Equal(t, int64(1), h.Stats()[0].FailureCount)
	})

	t.Run("timeout", func(t *testing.T) {
		rec := &triggerRecorder{block: true}
		h := newTestHandler(t, rec, func(o *Options) { o.Timeout = 20 * time.Millisecond })

		w := httptest.NewRecorder()
		h.ServeHTTP(w, signedRequest(http.MethodPost, "/hooks/automations/daily_report", nil, testSecret))

		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	})
}

func TestRateLimitedRequests(t *testing.T) {
	rec := &triggerRecorder{}
	h := newTestHandler(t, rec, func(o *Options) { o.RateLimitPerMinute = 2 })

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, signedRequest(http.MethodPost, "/hooks/automations/daily_report", nil, testSecret))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(http.MethodPost, "/hooks/automations/daily_report", nil, testSecret))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Len(t, rec.calls, 2)
}

func TestBodyTooLarge(t *testing.T) {
	rec := &triggerRecorder{}
	h := newTestHandler(t, rec, func(o *Options) { o.MaxBodyBytes = 8 })

	body := []byte(`{"recipient":"ops@example.com"}`)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(http.MethodPost, "/hooks/automations/daily_report", body, testSecret))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestStatsEndpoint(t *testing.T) {
	rec := &triggerRecorder{}
	h := newTestHandler(t, rec, nil)

	h.ServeHTTP(httptest.NewRecorder(), signedRequest(http.MethodPost, "/hooks/automations/daily_report", nil, testSecret))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(http.MethodGet, "/hooks/automations", nil, testSecret))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Automations []TriggerStats `json:"automations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Automations, 1)
	assert.Equal(t, int64(1), body.Automations[0].TotalRequests)
}

func TestCloseRejectsNewRequests(t *testing.T) {
	rec := &triggerRecorder{}
	h := newTestHandler(t, rec, nil)

	h.Close(time.Second)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(http.MethodPost, "/hooks/automations/daily_report", nil, testSecret))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := Sign(body, "k")

	assert.True(t, verifySignature(body, sig, "k"))
	assert.True(t, verifySignature(body, sig[len("sha256="):], "k"))
	assert.False(t, verifySignature(body, sig, "other"))
	assert.False(t, verifySignature([]byte(`{"a":2}`), sig, "k"))
	assert.False(t, verifySignature(body, "", "k"))
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(2)
	rl.now = func() time.Time { return now }

	ok, _ := rl.Allow("10.0.0.1")
	assert.True(t, ok)
	now = now.Add(10 * time.Second)
	ok, _ = rl.Allow("10.0.0.1")
	assert.True(t, ok)

	ok, retry := rl.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, 50*time.Second, retry)

	ok, _ = rl.Allow("10.0.0.2")
	assert.True(t, ok)

	now = now.Add(51 * time.Second)
	ok, _ = rl.Allow("10.0.0.1")
	assert.True(t, ok)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", clientIP(req))
}
