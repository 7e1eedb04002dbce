// Package metrics exposes Prometheus metrics for the rules service.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/liamcoop/dqrules/internal/logger"
)

const namespace = "dqrules"

// HTTP request metrics. The route label is the chi route pattern, so rule
// and tenant ids do not explode the label space.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)
)

// Rule engine counters are kept by the logger package; these read them at
// scrape time.
var (
	_ = promauto.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_mutations_total",
			Help:      "Rule creates, updates and deletes",
		},
		func() float64 { return float64(logger.RuleMutations.Load()) },
	)

	_ = promauto.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_rejections_total",
			Help:      "Dependency edits rejected because they would close a cycle",
		},
		func() float64 { return float64(logger.CycleRejections.Load()) },
	)
)

// RecordHTTPRequest records one finished request.
func RecordHTTPRequest(method, route string, status int, seconds float64) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(seconds)
}

// WorkspaceStats is a point-in-time summary across all tenants.
type WorkspaceStats struct {
	Tenants        int
	ActiveRules    int
	RunningBatches int
}

var (
	tenantsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "tenants"),
		"Loaded tenants", nil, nil,
	)
	activeRulesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "active_rules"),
		"Active rules summed over tenants", nil, nil,
	)
	runningBatchesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "running_batches"),
		"Batches in RUNNING status summed over tenants", nil, nil,
	)
)

type workspaceCollector struct {
	stats func() (WorkspaceStats, error)
}

// NewWorkspaceCollector returns a collector that calls stats on every scrape.
// A failing stats call is reported as an invalid metric instead of stale values.
func NewWorkspaceCollector(stats func() (WorkspaceStats, error)) prometheus.Collector {
	return &workspaceCollector{stats: stats}
}

func (c *workspaceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- tenantsDesc
	ch <- activeRulesDesc
	ch <- runningBatchesDesc
}

func (c *workspaceCollector) Collect(ch chan<- prometheus.Metric) {
	s, err := c.stats()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(activeRulesDesc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(tenantsDesc, prometheus.GaugeValue, float64(s.Tenants))
	ch <- prometheus.MustNewConstMetric(activeRulesDesc, prometheus.GaugeValue, float64(s.ActiveRules))
	ch <- prometheus.MustNewConstMetric(runningBatchesDesc, prometheus.GaugeValue, float64(s.RunningBatches))
}
