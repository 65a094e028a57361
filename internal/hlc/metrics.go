package hlc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var driftGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kkt_adapter_hlc_drift_seconds",
	Help: "seconds the hybrid logical clock is running ahead of the wall clock",
})
