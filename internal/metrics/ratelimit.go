package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(rateLimitDecisionsTotal) }

var rateLimitDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chatrelay_ratelimit_decisions_total",
		Help: "Admission decisions by scope, tier and outcome.",
	},
	[]string{"scope", "tier", "allowed"},
)

func IncRateLimitDecision(scope, tier string, allowed bool) {
	rateLimitDecisionsTotal.WithLabelValues(norm(scope), norm(tier), strconv.FormatBool(allowed)).Inc()
}
