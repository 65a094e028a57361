package buffer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fullnessGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kkt_adapter_buffer_fullness",
	Help: "fraction of buffer capacity occupied by pending and syncing receipts",
})

var dlqGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kkt_adapter_dlq_size",
	Help: "count of unresolved dead-letter entries",
})

var receiptsAdded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kkt_adapter_receipts_added_total",
	Help: "counter of receipts durably accepted into the buffer",
})

var receiptsSynced = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kkt_adapter_receipts_synced_total",
	Help: "counter of receipts acknowledged by the OFD",
})

var receiptsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kkt_adapter_receipts_dead_lettered_total",
	Help: "counter of receipts moved to the dead-letter queue",
}, []string{"reason"})

var retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kkt_adapter_receipt_retries_total",
	Help: "counter of receipt delivery retries",
})

var alertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kkt_adapter_buffer_alerts_total",
	Help: "counter of buffer fullness alerts by severity",
}, []string{"severity"})
