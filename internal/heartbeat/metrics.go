package heartbeat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var onlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kkt_adapter_heartbeat_online",
	Help: "damped ERP connectivity classification: 1=online, 0=offline",
})
