package fiscal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var printFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kkt_adapter_kkt_print_failures_total",
	Help: "counter of KKT print failures absorbed during Phase 1",
})
