package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(aiCallsLatencyMs) }

var aiCallsLatencyMs = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "chatrelay_ai_calls_latency_ms",
		Help:    "Generation engine call latency in milliseconds.",
		Buckets: []float64{50, 100, 200, 400, 800, 1600, 3000, 5000, 10000, 30000, 60000},
	},
	[]string{"model", "success"},
)

func ObserveAICall(model string, latencyMs int64, success bool) {
	aiCallsLatencyMs.WithLabelValues(norm(model), strconv.FormatBool(success)).Observe(float64(latencyMs))
}
