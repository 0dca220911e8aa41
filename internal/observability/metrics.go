package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	dispatchTotal     *prometheus.CounterVec
	dispatchDuration  *prometheus.HistogramVec
	permissionDenied  *prometheus.CounterVec
	confirmations     *prometheus.CounterVec
	replays           prometheus.Counter
	providerReachable *prometheus.GaugeVec
	registryLoads     *prometheus.CounterVec

	handshakeTotal   *prometheus.CounterVec
	realtimeSessions prometheus.Gauge

	turnTotal    *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec
	providerCool *prometheus.GaugeVec

	webhookTriggers *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			dispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conduit_tool_dispatch_total",
					Help: "Tool dispatches by source kind and terminal status.",
				},
				[]string{"source", "status"},
			),
			dispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "conduit_tool_dispatch_duration_seconds",
					Help:    "Tool execution duration in seconds by source kind.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"source"},
			),
			permissionDenied: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conduit_tool_permission_denied_total",
					Help: "Invocations rejected by the permission set.",
				},
				[]string{"tool"},
			),
			confirmations: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conduit_tool_confirmation_total",
					Help: "Confirmation gate outcomes.",
				},
				[]string{"outcome"},
			),
			replays: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "conduit_tool_replay_total",
					Help: "Dispatches answered from the invocation ledger.",
				},
			),
			providerReachable: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "conduit_provider_reachable",
					Help: "External provider reachability (1 reachable, 0 unreachable).",
				},
				[]string{"provider"},
			),
			registryLoads: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conduit_registry_load_total",
					Help: "Registry snapshot loads, labelled degraded when a provider was skipped.",
				},
				[]string{"result"},
			),
			handshakeTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conduit_realtime_handshake_total",
					Help: "Realtime configuration handshakes by outcome.",
				},
				[]string{"outcome"},
			),
			realtimeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "conduit_realtime_sessions_active",
					Help: "Currently open realtime sessions.",
				},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conduit_turn_total",
					Help: "Conversation turns by model provider and status.",
				},
				[]string{"provider", "status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "conduit_turn_duration_seconds",
					Help:    "Conversation turn duration in seconds by model provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerCool: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "conduit_model_provider_cooldown_active",
					Help: "Model provider cooldown state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			webhookTriggers: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conduit_automation_webhook_total",
					Help: "Automation webhook requests by HTTP status.",
				},
				[]string{"status"},
			),
		}

		prometheus.MustRegister(
			m.dispatchTotal,
			m.dispatchDuration,
			m.permissionDenied,
			m.confirmations,
			m.replays,
			m.providerReachable,
			m.registryLoads,
			m.handshakeTotal,
			m.realtimeSessions,
			m.turnTotal,
			m.turnDuration,
			m.providerCool,
			m.webhookTriggers,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordDispatch(source, status string, duration time.Duration) {
	m := getMetrics()
	m.dispatchTotal.WithLabelValues(source, status).Inc()
	if duration > 0 {
		m.dispatchDuration.WithLabelValues(source).Observe(duration.Seconds())
	}
}

func RecordPermissionDenied(tool string) {
	getMetrics().permissionDenied.WithLabelValues(tool).Inc()
}

func RecordConfirmation(outcome string) {
	getMetrics().confirmations.WithLabelValues(outcome).Inc()
}

func RecordReplay() {
	getMetrics().replays.Inc()
}

func SetProviderReachable(provider string, reachable bool) {
	value := 0.0
	if reachable {
		value = 1.0
	}
	getMetrics().providerReachable.WithLabelValues(provider).Set(value)
}

func RecordRegistryLoad(degraded bool) {
	result := "complete"
	if degraded {
		result = "degraded"
	}
	getMetrics().registryLoads.WithLabelValues(result).Inc()
}

func RecordHandshake(outcome string) {
	getMetrics().handshakeTotal.WithLabelValues(outcome).Inc()
}

func AddRealtimeSessions(delta int) {
	getMetrics().realtimeSessions.Add(float64(delta))
}

func RecordTurn(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.turnTotal.WithLabelValues(provider, status).Inc()
	m.turnDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCool.WithLabelValues(provider).Set(value)
}

func RecordWebhookTrigger(status int) {
	getMetrics().webhookTriggers.WithLabelValues(strconv.Itoa(status)).Inc()
}
