package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "querycache"

// Fetch outcomes recorded by the query engine.
const (
	OutcomeStarted   = "started"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Mutation outcomes recorded by the mutation engine.
const (
	MutationCommitted  = "committed"
	MutationRolledBack = "rolled_back"
	MutationCoalesced  = "coalesced"
	MutationSuperseded = "superseded"
)

// Metrics holds all Prometheus metrics for the coordination layer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Query engine metrics
	FetchesTotal  *prometheus.CounterVec
	JoinsTotal    prometheus.Counter
	InFlight      prometheus.Gauge
	FetchDuration prometheus.Histogram
	StrategySkips prometheus.Counter

	// Store metrics
	StoreEventsTotal *prometheus.CounterVec
	StoreEvictions   prometheus.Counter

	// Mutation metrics
	MutationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the default registry.
func NewMetrics(reg prometheus.Registerer, scope string) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"scope": scope}

	return &Metrics{
		FetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "query",
			Name:        "fetches_total",
			Help:        "Total number of fetches by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		JoinsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "query",
			Name:        "joins_total",
			Help:        "Total number of callers that joined an in-flight fetch instead of starting one",
			ConstLabels: labels,
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "query",
			Name:        "in_flight",
			Help:        "Current number of in-flight fetches",
			ConstLabels: labels,
		}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "query",
			Name:        "fetch_duration_seconds",
			Help:        "Histogram of fetch durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		StrategySkips: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "repository",
			Name:        "strategy_skips_total",
			Help:        "Total number of gets answered from the cache without fetching",
			ConstLabels: labels,
		}),
		StoreEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "events_total",
			Help:        "Total number of store change events by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		StoreEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "evictions_total",
			Help:        "Total number of entries evicted by age",
			ConstLabels: labels,
		}),
		MutationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "mutation",
			Name:        "mutations_total",
			Help:        "Total number of optimistic mutations by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
	}
}

// Fetch records a fetch outcome.
func (m *Metrics) Fetch(outcome string) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(outcome).Inc()
	switch outcome {
	case OutcomeStarted:
		m.InFlight.Inc()
	case OutcomeSucceeded, OutcomeFailed, OutcomeCancelled:
		m.InFlight.Dec()
	}
}

// ObserveFetch records how long a completed fetch took.
func (m *Metrics) ObserveFetch(seconds float64) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(seconds)
}

// Join records a caller joining an in-flight fetch.
func (m *Metrics) Join() {
	if m == nil {
		return
	}
	m.JoinsTotal.Inc()
}

// Skip records a get answered from the cache.
func (m *Metrics) Skip() {
	if m == nil {
		return
	}
	m.StrategySkips.Inc()
}

// StoreEvent records a store change event.
func (m *Metrics) StoreEvent(kind string) {
	if m == nil {
		return
	}
	m.StoreEventsTotal.WithLabelValues(kind).Inc()
}

// Eviction records an entry evicted by age.
func (m *Metrics) Eviction() {
	if m == nil {
		return
	}
	m.StoreEvictions.Inc()
}

// Mutation records a mutation outcome.
func (m *Metrics) Mutation(outcome string) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(outcome).Inc()
}
