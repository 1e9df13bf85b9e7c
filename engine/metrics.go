package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects scheduler counters. Pass a nil registerer for
// unregistered (test) collectors.
type Metrics struct {
	ItemsClaimed   prometheus.Counter
	StepsProcessed *prometheus.CounterVec
	StepsRecovered prometheus.Counter
	WaitsReleased  prometheus.Counter
	LoopErrors     *prometheus.CounterVec
}

// NewMetrics builds the scheduler metric set against a registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ItemsClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_queue_items_claimed_total",
			Help: "Queue items claimed by the dispatch loop.",
		}),
		StepsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_steps_processed_total",
			Help: "Steps processed by outcome.",
		}, []string{"outcome"}),
		StepsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_steps_recovered_total",
			Help: "Stuck steps reset by the reap loop.",
		}),
		WaitsReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_waits_released_total",
			Help: "Wait steps released by the wake loop.",
		}),
		LoopErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_loop_errors_total",
			Help: "Errors per scheduler loop; loops log and continue.",
		}, []string{"loop"}),
	}
}
