package metrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/dqrules/internal/logger"
)

func TestRecordHTTPRequest(t *testing.T) {
	route := "/api/v1/tenants/{tenantId}/rules/{ruleId}"
	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", route, "404"))

	RecordHTTPRequest("GET", route, 404, 0.002)

	assert.Equal(t, before+1, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", route, "404")))
}

func TestRecordHTTPRequest_Unmatched(t *testing.T) {
	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404"))

	RecordHTTPRequest("GET", "", 404, 0.001)

	assert.Equal(t, before+1, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}

func TestRuleCountersFollowLogger(t *testing.T) {
	before, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "dqrules_rule_mutations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, before)

	logger.RuleMutations.Add(2)
	expected := float64(logger.RuleMutations.Load())

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	var got float64
	for _, mf := range families {
		if mf.GetName() == "dqrules_rule_mutations_total" {
			got = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, expected, got)
}

func TestWorkspaceCollector(t *testing.T) {
	c := NewWorkspaceCollector(func() (WorkspaceStats, error) {
		return WorkspaceStats{Tenants: 2, ActiveRules: 7, RunningBatches: 1}, nil
	})

	expected := `
# HELP dqrules_active_rules Active rules summed over tenants
# TYPE dqrules_active_rules gauge
dqrules_active_rules 7
# HELP dqrules_running_batches Batches in RUNNING status summed over tenants
# TYPE dqrules_running_batches gauge
dqrules_running_batches 1
# HELP dqrules_tenants Loaded tenants
# TYPE dqrules_tenants gauge
dqrules_tenants 2
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected)))
}

func TestWorkspaceCollector_Error(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewWorkspaceCollector(func() (WorkspaceStats, error) {
		return WorkspaceStats{}, errors.New("store unavailable")
	})))

	_, err := reg.Gather()
	assert.ErrorContains(t, err, "store unavailable")
}
