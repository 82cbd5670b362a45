package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pollen"

// Metrics holds the ledger's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	WebhookEvents    *prometheus.CounterVec
	WebhookDuration  *prometheus.HistogramVec
	CreditsApplied   *prometheus.CounterVec
	RefillRuns       *prometheus.CounterVec
	RefillUsers      *prometheus.CounterVec
	TierTransitions  *prometheus.CounterVec
	MirrorJobs       *prometheus.CounterVec
	DriftClassified  *prometheus.CounterVec
	SinkDropsTotal   prometheus.Counter
}

// New registers all collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers collectors on reg and serves them from gatherer
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,

		WebhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Inbound webhook deliveries by provider and outcome.",
		}, []string{"provider", "outcome"}),

		WebhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "duration_seconds",
			Help:      "Webhook processing duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		CreditsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "credits_total",
			Help:      "Pollen credited by bucket.",
		}, []string{"bucket"}),

		RefillRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refill",
			Name:      "runs_total",
			Help:      "Tier refill triggers by result.",
		}, []string{"result"}),

		RefillUsers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refill",
			Name:      "users_total",
			Help:      "Users whose tier balance was refilled, by tier.",
		}, []string{"tier"}),

		TierTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tiers",
			Name:      "transitions_total",
			Help:      "Tier transition requests by trigger and outcome.",
		}, []string{"trigger", "outcome"}),

		MirrorJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "jobs_total",
			Help:      "Subscription mirror jobs by outcome.",
		}, []string{"outcome"}),

		DriftClassified: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "users_total",
			Help:      "Reconciled users by classification.",
		}, []string{"status"}),

		SinkDropsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analytics",
			Name:      "dropped_records_total",
			Help:      "Analytics records dropped because the buffer was full.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveWebhook(provider, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(provider, outcome).Inc()
	m.WebhookDuration.WithLabelValues(provider).Observe(took.Seconds())
}

func (m *Metrics) AddCredit(bucket string, amount float64) {
	if m == nil {
		return
	}
	m.CreditsApplied.WithLabelValues(bucket).Add(amount)
}

func (m *Metrics) ObserveRefill(result string, usersByTier map[string]int64) {
	if m == nil {
		return
	}
	m.RefillRuns.WithLabelValues(result).Inc()
	for tier, n := range usersByTier {
		m.RefillUsers.WithLabelValues(tier).Add(float64(n))
	}
}

func (m *Metrics) ObserveTransition(trigger, outcome string) {
	if m == nil {
		return
	}
	m.TierTransitions.WithLabelValues(trigger, outcome).Inc()
}

func (m *Metrics) ObserveMirrorJob(outcome string) {
	if m == nil {
		return
	}
	m.MirrorJobs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDrift(status string) {
	if m == nil {
		return
	}
	m.DriftClassified.WithLabelValues(status).Inc()
}

func (m *Metrics) SinkDropped() {
	if m == nil {
		return
	}
	m.SinkDropsTotal.Inc()
}
