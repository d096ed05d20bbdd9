package reconcile

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "semgate"
	metricsSubsystem = "reconcile"
)

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "decisions_total",
		Help:      "Count of reconciliation decisions, by kind.",
	}, []string{"decision"})
	tasksQueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "tasks_queued_total",
		Help:      "Count of verification tasks created.",
	})
	linksStoredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "links_stored_total",
		Help:      "Count of links persisted, by method.",
	}, []string{"method"})
)

var registerMetrics sync.Once

// RegisterMetrics registers the reconciliation collectors with reg.
// Safe to call more than once; only the first call registers.
func RegisterMetrics(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		reg.MustRegister(decisionsTotal, tasksQueuedTotal, linksStoredTotal)
	})
}
