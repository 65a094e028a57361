package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kkt_adapter_sync_cycles_total",
	Help: "counter of sync cycles which claimed at least one receipt",
})
