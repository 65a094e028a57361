package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stateGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kkt_adapter_circuit_breaker_state",
	Help: "circuit breaker state: 0=closed, 1=open, 2=half-open",
})

var transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kkt_adapter_circuit_breaker_transitions_total",
	Help: "counter of circuit breaker transitions by target state",
}, []string{"to"})

var shortCircuits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kkt_adapter_circuit_breaker_short_circuits_total",
	Help: "counter of OFD calls rejected without touching the network",
})
