// Package metrics exposes the scheduler's execution counters to
// Prometheus. Collectors are registered against an injected registry, so
// tests and parallel app instances never trip duplicate-registration
// panics on the global one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler holds the collectors updated by the stage scheduler.
type Scheduler struct {
	// Running tracks currently executing stage instances per resource
	// class.
	Running *prometheus.GaugeVec
	// Queued tracks instances admitted to a class queue but not yet
	// running.
	Queued *prometheus.GaugeVec
	// Completed counts terminal instances per stage and outcome.
	Completed *prometheus.CounterVec
}

// NewScheduler registers and returns the scheduler collectors.
func NewScheduler(reg prometheus.Registerer) *Scheduler {
	factory := promauto.With(reg)
	return &Scheduler{
		Running: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sampleflow",
			Name:      "stage_instances_running",
			Help:      "Number of stage instances currently running, per resource class.",
		}, []string{"class"}),
		Queued: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sampleflow",
			Name:      "stage_instances_queued",
			Help:      "Number of ready stage instances waiting for admission, per resource class.",
		}, []string{"class"}),
		Completed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sampleflow",
			Name:      "stage_instances_completed_total",
			Help:      "Terminal stage instances, per stage and outcome.",
		}, []string{"stage", "outcome"}),
	}
}
