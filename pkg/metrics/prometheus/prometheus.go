package prometheus

import (
	"time"

	"bank-ledger/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements metrics.Collector for Prometheus.
// It is itself a prometheus.Collector, so it can be registered in one call.
type Collector struct {
	namespace string

	// Workflow
	decisions       *prometheus.CounterVec
	decisionLatency *prometheus.HistogramVec
	depositsBlocked prometheus.Counter

	// Balances and cards
	adjustments      *prometheus.CounterVec
	adjustedCents    *prometheus.CounterVec
	cardsIssued      *prometheus.CounterVec
	cardIssueRetries prometheus.Counter

	// Storage
	storeOps     *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec
	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	// Directory cache
	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	cacheSets    *prometheus.CounterVec
	cacheErrors  *prometheus.CounterVec
	cacheLatency *prometheus.HistogramVec
}

// NewCollector creates a new Prometheus metrics collector.
func NewCollector(namespace string) *Collector {
	return &Collector{
		namespace: namespace,
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_decisions_total",
				Help:      "Total number of request decisions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		decisionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_decision_duration_seconds",
				Help:      "Request decision latency",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15), // 0.1ms to ~3s
			},
			[]string{"kind"},
		),
		depositsBlocked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deposits_blocked_total",
				Help:      "Total number of self-service deposits intercepted",
			},
		),
		adjustments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "balance_adjustments_total",
				Help:      "Total number of balance adjustments by direction",
			},
			[]string{"direction"},
		),
		adjustedCents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "balance_adjusted_cents_total",
				Help:      "Total absolute amount moved, in cents, by direction",
			},
			[]string{"direction"},
		),
		cardsIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cards_issued_total",
				Help:      "Total number of cards issued by type",
			},
			[]string{"card_type"},
		),
		cardIssueRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "card_number_regenerations_total",
				Help:      "Total number of card numbers regenerated after a collision",
			},
		),
		storeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_units_total",
				Help:      "Total number of storage units by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),
		storeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_unit_duration_seconds",
				Help:      "Storage unit latency",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
			[]string{"backend"},
		),
		circuitOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_opens_total",
				Help:      "Total number of circuit breaker opens per backend",
			},
			[]string{"backend"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
			},
			[]string{"backend"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of directory cache hits per layer",
			},
			[]string{"layer"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of directory cache misses per layer",
			},
			[]string{"layer"},
		),
		cacheSets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_sets_total",
				Help:      "Total number of directory cache writes per layer",
			},
			[]string{"layer"},
		),
		cacheErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_errors_total",
				Help:      "Total number of failed directory cache writes per layer",
			},
			[]string{"layer"},
		),
		cacheLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cache_get_duration_seconds",
				Help:      "Directory cache get latency",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
			[]string{"layer"},
		),
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.decisions,
		c.decisionLatency,
		c.depositsBlocked,
		c.adjustments,
		c.adjustedCents,
		c.cardsIssued,
		c.cardIssueRetries,
		c.storeOps,
		c.storeLatency,
		c.circuitOpens,
		c.circuitState,
		c.cacheHits,
		c.cacheMisses,
		c.cacheSets,
		c.cacheErrors,
		c.cacheLatency,
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, col := range c.collectors() {
		col.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, col := range c.collectors() {
		col.Collect(ch)
	}
}

// Register registers all metrics with the given Prometheus registerer.
func (c *Collector) Register(registry prometheus.Registerer) error {
	return registry.Register(c)
}

// RecordDecision records an approve/reject decision.
func (c *Collector) RecordDecision(kind string, outcome string, duration time.Duration) {
	c.decisions.WithLabelValues(kind, outcome).Inc()
	c.decisionLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordDepositBlocked records an intercepted deposit.
func (c *Collector) RecordDepositBlocked() {
	c.depositsBlocked.Inc()
}

// RecordAdjustment records a committed balance change.
func (c *Collector) RecordAdjustment(direction string, cents int64) {
	if cents < 0 {
		cents = -cents
	}
	c.adjustments.WithLabelValues(direction).Inc()
	c.adjustedCents.WithLabelValues(direction).Add(float64(cents))
}

// RecordCardIssued records an issued card and how many numbers were drawn.
func (c *Collector) RecordCardIssued(cardType string, attempts int) {
	c.cardsIssued.WithLabelValues(cardType).Inc()
	if attempts > 1 {
		c.cardIssueRetries.Add(float64(attempts - 1))
	}
}

// RecordStoreOp records the outcome of a storage unit.
func (c *Collector) RecordStoreOp(backend string, outcome string, duration time.Duration) {
	c.storeOps.WithLabelValues(backend, outcome).Inc()
	c.storeLatency.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordCircuitState records the current circuit breaker state.
func (c *Collector) RecordCircuitState(backend string, state metrics.CircuitState) {
	c.circuitState.WithLabelValues(backend).Set(float64(state))
	if state == metrics.CircuitOpen {
		c.circuitOpens.WithLabelValues(backend).Inc()
	}
}

// RecordCacheGet records a directory cache lookup.
func (c *Collector) RecordCacheGet(layer string, hit bool, duration time.Duration) {
	if hit {
		c.cacheHits.WithLabelValues(layer).Inc()
	} else {
		c.cacheMisses.WithLabelValues(layer).Inc()
	}
	c.cacheLatency.WithLabelValues(layer).Observe(duration.Seconds())
}

// RecordCacheSet records a directory cache write.
func (c *Collector) RecordCacheSet(layer string, success bool, duration time.Duration) {
	c.cacheSets.WithLabelValues(layer).Inc()
	if !success {
		c.cacheErrors.WithLabelValues(layer).Inc()
	}
}
