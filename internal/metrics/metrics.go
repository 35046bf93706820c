// Package metrics exposes the DNS query pipeline and rule-manager update
// pipeline as Prometheus metrics, registered process-wide at init time and
// served by Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueriesTotal counts DNS queries received, labeled by transport (udp/tcp).
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleproxy_dns_queries_total",
		Help: "Total DNS queries received, by transport.",
	}, []string{"transport"})

	// ResponsesNXDOMAIN counts NXDOMAIN responses served to clients.
	ResponsesNXDOMAIN = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ruleproxy_dns_responses_nxdomain_total",
		Help: "Total NXDOMAIN responses served.",
	})

	// ResponsesError counts error responses served to clients (SERVFAIL, etc).
	ResponsesError = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ruleproxy_dns_responses_error_total",
		Help: "Total error responses served (SERVFAIL, FORMERR, etc).",
	})

	// QueryDuration tracks per-query handling latency, end to end.
	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ruleproxy_dns_query_duration_seconds",
		Help:    "DNS query handling latency.",
		Buckets: prometheus.DefBuckets,
	})

	// RuleUpdatesTotal counts rule source update attempts, labeled by outcome
	// (success/failure).
	RuleUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleproxy_rule_updates_total",
		Help: "Total rule source update attempts, by outcome.",
	}, []string{"outcome"})

	// RuleUpdateDuration tracks fetch+parse+validate+replace time per source.
	RuleUpdateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ruleproxy_rule_update_duration_seconds",
		Help:    "Time spent fetching, parsing, and replacing one rule source.",
		Buckets: prometheus.DefBuckets,
	}, []string{"source_id"})

	// RuleCount is the number of rules currently loaded, per source, as of
	// its last successful update.
	RuleCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ruleproxy_rule_count",
		Help: "Number of rules currently loaded, by source.",
	}, []string{"source_id"})
)

// Handler serves the registered metrics in the Prometheus text exposition
// format, for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
