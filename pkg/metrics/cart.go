package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CartMetrics records cart mutations and persistence outcomes.
type CartMetrics struct {
	mutations       *prometheus.CounterVec
	persisted       prometheus.Counter
	persistFailures prometheus.Counter
	loadFaults      prometheus.Counter
	lineItems       prometheus.Gauge
}

// NewCartMetrics registers the cart metrics on the provided registerer.
func NewCartMetrics(reg prometheus.Registerer) *CartMetrics {
	if reg == nil {
		return &CartMetrics{}
	}
	mutations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_mutations_total",
		Help: "Cart mutations that changed state, by operation.",
	}, []string{"op"})
	persisted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cart_persist_writes_total",
		Help: "Snapshots written to storage.",
	})
	persistFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cart_persist_failures_total",
		Help: "Snapshot writes that failed after all retries.",
	})
	loadFaults := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cart_load_faults_total",
		Help: "Startup loads that fell back to an empty cart.",
	})
	lineItems := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cart_line_items",
		Help: "Distinct line items currently in the cart.",
	})
	reg.MustRegister(mutations, persisted, persistFailures, loadFaults, lineItems)
	return &CartMetrics{
		mutations:       mutations,
		persisted:       persisted,
		persistFailures: persistFailures,
		loadFaults:      loadFaults,
		lineItems:       lineItems,
	}
}

// IncMutation counts one state-changing operation.
func (c *CartMetrics) IncMutation(op string) {
	if c == nil || c.mutations == nil {
		return
	}
	c.mutations.WithLabelValues(normalizeLabel(op)).Inc()
}

// IncPersisted counts one successful snapshot write.
func (c *CartMetrics) IncPersisted() {
	if c == nil || c.persisted == nil {
		return
	}
	c.persisted.Inc()
}

// IncPersistFailure counts one abandoned snapshot write.
func (c *CartMetrics) IncPersistFailure() {
	if c == nil || c.persistFailures == nil {
		return
	}
	c.persistFailures.Inc()
}

// IncLoadFault counts one load that failed closed.
func (c *CartMetrics) IncLoadFault() {
	if c == nil || c.loadFaults == nil {
		return
	}
	c.loadFaults.Inc()
}

// SetLineItems records the current number of line items.
func (c *CartMetrics) SetLineItems(n int) {
	if c == nil || c.lineItems == nil {
		return
	}
	c.lineItems.Set(float64(n))
}

func normalizeLabel(op string) string {
	if op == "" {
		return "unknown"
	}
	return op
}
