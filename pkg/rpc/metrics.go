package rpc

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "rpc_client"

var (
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "calls_total",
			Help:      "Count of RPC calls over the broker by target queue and result.",
		},
		[]string{"queue", "result"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "call_duration_seconds",
			Help:      "Time from publishing a request to receiving its reply.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"queue"},
	)
	pendingCalls = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "pending_calls",
			Help:      "Number of calls waiting for a reply.",
		},
		[]string{"queue"},
	)
	discardedReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "discarded_replies_total",
			Help:      "Count of replies whose correlation id matched no pending call.",
		},
		[]string{"queue"},
	)
)

const (
	resultOK          = "ok"
	resultTimeout     = "timeout"
	resultCanceled    = "canceled"
	resultUnavailable = "unavailable"
)

var registerMetrics sync.Once

// RegisterMetrics はRPCクライアントのメトリクスを登録する。複数回呼び出しても1度だけ登録される。
func RegisterMetrics(registerer prometheus.Registerer) {
	registerMetrics.Do(func() {
		registerer.MustRegister(callsTotal)
		registerer.MustRegister(callDuration)
		registerer.MustRegister(pendingCalls)
		registerer.MustRegister(discardedReplies)
	})
}
