package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "auction_realtime"

// Outcome labels shared by connect and refresh counters.
const (
	ResultSuccess           = "success"
	ResultTimeout           = "timeout"
	ResultError             = "error"
	ResultMissingCredential = "missing_credential"
)

// Metrics holds the collectors for both realtime subsystems.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	connectAttempts prometheus.Counter
	connectResults  *prometheus.CounterVec
	subscriptions   prometheus.Gauge
	framesDropped   *prometheus.CounterVec
	refreshWaves    *prometheus.CounterVec
	refreshWaiters  prometheus.Counter
	replays         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connect_attempts_total",
			Help:      "Number of socket dials started by the session manager.",
		}),
		connectResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connect_results_total",
			Help:      "Connect outcomes by result.",
		}, []string{"result"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "subscriptions",
			Help:      "Active topic subscriptions on the shared session.",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped by reason.",
		}, []string{"reason"}),
		refreshWaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "refresh_waves_total",
			Help:      "Token refresh calls by result.",
		}, []string{"result"}),
		refreshWaiters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "refresh_waiters_total",
			Help:      "Requests queued behind an in-flight refresh.",
		}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "replays_total",
			Help:      "Requests re-issued after a refresh, by response class.",
		}, []string{"status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connectAttempts,
			m.connectResults,
			m.subscriptions,
			m.framesDropped,
			m.refreshWaves,
			m.refreshWaiters,
			m.replays,
		)
	}
	return m
}

// Handler serves the collectors registered with g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectAttempt() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

func (m *Metrics) ConnectResult(result string) {
	if m == nil {
		return
	}
	m.connectResults.WithLabelValues(result).Inc()
}

func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RefreshResult(result string) {
	if m == nil {
		return
	}
	m.refreshWaves.WithLabelValues(result).Inc()
}

func (m *Metrics) WaiterQueued() {
	if m == nil {
		return
	}
	m.refreshWaiters.Inc()
}

// Replayed records the status class ("2xx", "4xx", ...) of a re-issued request.
func (m *Metrics) Replayed(statusCode int) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(statusClass(statusCode)).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "other"
	}
}
