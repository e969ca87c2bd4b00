// Package metrics provides Prometheus instrumentation for the validation
// engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector counts validation outcomes.
type Collector struct {
	validationsTotal *prometheus.CounterVec
	validationTime   prometheus.Histogram
}

// NewCollector creates and registers metrics on the given registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		validationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "certchain",
			Name:      "validations_total",
			Help:      "Number of chain validations by verdict.",
		}, []string{"verdict"}),

		validationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "certchain",
			Name:      "validation_duration_seconds",
			Help:      "Duration of chain validations in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(c.validationsTotal, c.validationTime)
	}
	return c
}

// ObserveValidation records one finished validation.
func (c *Collector) ObserveValidation(verdict string, d time.Duration) {
	c.validationsTotal.WithLabelValues(verdict).Inc()
	c.validationTime.Observe(d.Seconds())
}
