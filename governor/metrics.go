package governor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "semgate"
	metricsSubsystem = "governor"
)

var (
	admittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "admitted_total",
		Help:      "Count of calls admitted through the governor.",
	})
	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "rejected_total",
		Help:      "Count of calls rejected by the governor, by reason.",
	}, []string{"reason"})
	tokensConsumedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "tokens_consumed_total",
		Help:      "Total actual token cost reported on release.",
	})
	circuitStateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "circuit_state",
		Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open).",
	})
)

var registerMetrics sync.Once

// RegisterMetrics registers the governor collectors with reg.
// Safe to call more than once; only the first call registers.
func RegisterMetrics(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		reg.MustRegister(admittedTotal, rejectedTotal, tokensConsumedTotal, circuitStateGauge)
	})
}
