package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "invoice_router"

// Metrics holds all Prometheus collectors of the pipeline. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ItemsAdmitted     *prometheus.CounterVec
	AdmitFailures     *prometheus.CounterVec
	WALActive         prometheus.Gauge
	SubscriptionState *prometheus.GaugeVec
	StageMessages     *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	Duplicates        prometheus.Counter
	MatchResults      *prometheus.CounterVec
	ForwardResults    *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec
	Notifications     *prometheus.CounterVec
	DirectoryCache    *prometheus.CounterVec
	APIKeyCache       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Tests pass a fresh
// prometheus.NewRegistry(); binaries pass prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ItemsAdmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "items_admitted_total",
			Help:      "Mailbox items admitted to the pipeline by source.",
		}, []string{"source"}), // source: push, poll
		AdmitFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "admit_failures_total",
			Help:      "Admission failures by step.",
		}, []string{"step"}),
		WALActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "wal_active_gauge",
			Help:      "1 while raw enqueues are diverted to the write-ahead log.",
		}),
		SubscriptionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "subscription_state",
			Help:      "1 for the current push subscription state, 0 otherwise.",
		}, []string{"state"}),
		StageMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "messages_total",
			Help:      "Queue entries handled by stage and outcome.",
		}, []string{"stage", "outcome"}), // outcome: ack, retry, poison, abandoned
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "handle_duration_seconds",
			Help:      "Time spent handling one queue entry.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		Duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dedup",
			Name:      "duplicates_total",
			Help:      "Deliveries dropped because their fingerprint already finished.",
		}),
		MatchResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "match",
			Name:      "results_total",
			Help:      "Matching results by method.",
		}, []string{"method"}),
		ForwardResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "route",
			Name:      "forward_total",
			Help:      "Downstream forward attempts by result.",
		}, []string{"result"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "route",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"name"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Notification posts by kind and result.",
		}, []string{"kind", "result"}),
		DirectoryCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "snapshot_cache_total",
			Help:      "Directory snapshot cache lookups by result.",
		}, []string{"result"}),
		APIKeyCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "api_key_cache_total",
			Help:      "Operator API key cache lookups by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) Admitted(source string) {
	if m != nil {
		m.ItemsAdmitted.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) AdmitFailed(step string) {
	if m != nil {
		m.AdmitFailures.WithLabelValues(step).Inc()
	}
}

func (m *Metrics) SetWALActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.WALActive.Set(1)
		return
	}
	m.WALActive.Set(0)
}

// SetSubscriptionState marks state as current and clears the others.
func (m *Metrics) SetSubscriptionState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		m.SubscriptionState.WithLabelValues(s).Set(0)
	}
	m.SubscriptionState.WithLabelValues(state).Set(1)
}

func (m *Metrics) StageOutcome(stage, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.StageMessages.WithLabelValues(stage, outcome).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(took.Seconds())
}

func (m *Metrics) Duplicate() {
	if m != nil {
		m.Duplicates.Inc()
	}
}

func (m *Metrics) Match(method string) {
	if m != nil {
		m.MatchResults.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) Forward(result string) {
	if m != nil {
		m.ForwardResults.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m != nil {
		m.BreakerState.WithLabelValues(name).Set(float64(state))
	}
}

func (m *Metrics) Notification(kind, result string) {
	if m != nil {
		m.Notifications.WithLabelValues(kind, result).Inc()
	}
}

func (m *Metrics) DirectoryLookup(hit bool) {
	if m != nil {
		m.DirectoryCache.WithLabelValues(hitLabel(hit)).Inc()
	}
}

func (m *Metrics) APIKeyLookup(hit bool) {
	if m != nil {
		m.APIKeyCache.WithLabelValues(hitLabel(hit)).Inc()
	}
}

func hitLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
