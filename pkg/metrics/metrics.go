// Package metrics exposes Prometheus collectors for the session pool,
// recovery and auth state. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all bridge collectors.
type Metrics struct {
	registry *prometheus.Registry

	// Pool metrics
	SessionsLive     prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsEvicted  *prometheus.CounterVec
	Interactions     *prometheus.CounterVec
	InteractDuration prometheus.Histogram
	Launches         *prometheus.CounterVec

	// Recovery metrics
	Recoveries *prometheus.CounterVec

	// Auth metrics
	AuthTransitions *prometheus.CounterVec

	// Cleanup metrics
	ProfilesDeleted prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "notebook_bridge_sessions_live",
			Help: "Number of live browser sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "notebook_bridge_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsEvicted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notebook_bridge_sessions_evicted_total",
			Help: "Total number of sessions evicted",
		}, []string{"reason"}),
		Interactions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notebook_bridge_interactions_total",
			Help: "Total number of interactions by result",
		}, []string{"result"}),
		InteractDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "notebook_bridge_interaction_duration_seconds",
			Help:    "Interaction duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}),
		Launches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notebook_bridge_browser_launches_total",
			Help: "Total number of browser launches by profile origin and result",
		}, []string{"origin", "result"}),
		Recoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notebook_bridge_recoveries_total",
			Help: "Total number of surface recoveries by result",
		}, []string{"result"}),
		AuthTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notebook_bridge_auth_transitions_total",
			Help: "Total number of auth phase transitions",
		}, []string{"from", "to"}),
		ProfilesDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "notebook_bridge_profiles_deleted_total",
			Help: "Total number of isolated profiles deleted by cleanup",
		}),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetLive records the current number of live sessions.
func (m *Metrics) SetLive(n int) {
	if m == nil {
		return
	}
	m.SessionsLive.Set(float64(n))
}

// SessionCreated counts a new session.
func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// SessionEvicted counts an eviction. reason is "idle", "capacity" or
// "failed".
func (m *Metrics) SessionEvicted(reason string) {
	if m == nil {
		return
	}
	m.SessionsEvicted.WithLabelValues(reason).Inc()
}

// Interaction records one finished interaction.
func (m *Metrics) Interaction(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Interactions.WithLabelValues(result).Inc()
	m.InteractDuration.Observe(d.Seconds())
}

// Launch records a browser launch.
func (m *Metrics) Launch(origin string, err error) {
	if m == nil {
		return
	}
	m.Launches.WithLabelValues(origin, result(err)).Inc()
}

// Recovery records a recovery attempt.
func (m *Metrics) Recovery(ok bool) {
	if m == nil {
		return
	}
	label := "success"
	if !ok {
		label = "failure"
	}
	m.Recoveries.WithLabelValues(label).Inc()
}

// AuthTransition records an auth phase change.
func (m *Metrics) AuthTransition(from, to string) {
	if m == nil {
		return
	}
	m.AuthTransitions.WithLabelValues(from, to).Inc()
}

// ProfilesRemoved adds n cleanup deletions.
func (m *Metrics) ProfilesRemoved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ProfilesDeleted.Add(float64(n))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
