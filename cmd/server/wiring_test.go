package main

import (
	"net/http"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/dqrules/batch"
	"github.com/liamcoop/dqrules/internal/config"
	"github.com/liamcoop/dqrules/internal/scheduler"
	"github.com/liamcoop/dqrules/rules"
	"github.com/liamcoop/dqrules/tenants"
)

func TestPrometheusEndpoint(t *testing.T) {
	s, tenantID := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/tenants/"+tenantID+"/rules/999", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "dqrules_http_requests_total")
	assert.True(t, strings.Contains(body, `route="/api/v1/tenants/{tenantId}/rules/{ruleId}/"`) ||
		strings.Contains(body, `route="/api/v1/tenants/{tenantId}/rules/{ruleId}"`),
		"requests are labelled by route pattern, not by path")
	assert.NotContains(t, body, tenantID)
}

func TestWorkspaceStats(t *testing.T) {
	s, tenantID := newTestServer(t)
	createRule(t, s, tenantID, map[string]any{"name": "A", "active": true})
	createRule(t, s, tenantID, map[string]any{"name": "B", "active": false})

	rec := doRequest(t, s, http.MethodPost, "/api/v1/tenants/"+tenantID+"/batches", map[string]any{"batch_name": "nightly"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	stats, err := s.workspaceStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Tenants)
	assert.Equal(t, 1, stats.ActiveRules)
	assert.Equal(t, 1, stats.RunningBatches)
}

func TestScheduleBatches(t *testing.T) {
	manager := tenants.NewManager(tenants.MemoryStores(true))
	for _, name := range []string{"beta", "alpha"} {
		ws, err := manager.CreateTenant(name)
		require.NoError(t, err)
		_, err = ws.Engine.CreateRule(rules.RuleInput{Name: "R", Active: true})
		require.NoError(t, err)
	}

	sched := scheduler.New()
	cfg := config.BatchesConfig{Schedule: "0 2 * * *", PipelineType: "SCHEDULED"}
	require.NoError(t, scheduleBatches(sched, manager, cfg))
	require.NoError(t, sched.Run("scheduled-batches"))

	for _, tenant := range manager.ListTenants() {
		ws, err := manager.Workspace(tenant.ID)
		require.NoError(t, err)
		list := ws.Batches.List()
		require.Len(t, list, 1, tenant.Name)
		assert.Equal(t, batch.StatusRunning, list[0].Status)
		assert.Equal(t, "SCHEDULED", list[0].PipelineType)
		assert.Equal(t, "scheduler", list[0].TriggeredBy)
		assert.True(t, strings.HasPrefix(list[0].Name, "scheduled "))
		assert.Equal(t, 1, list[0].TotalQueries)
	}
}

func TestNewManagerWithRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := newRedisClient(config.CacheConfig{Backend: config.CacheRedis, RedisAddr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{StoreBackend: config.BackendMemory, Rules: config.RulesConfig{RejectCycles: true}}
	manager, db, err := newManager(cfg, tenants.WithRedisCache(rdb))
	require.NoError(t, err)
	assert.Nil(t, db)

	s := NewServer(manager, nil)
	rec := doRequest(t, s, http.MethodPost, "/api/v1/tenants", map[string]any{"name": "acme"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tenantID := decodeBody(t, rec)["id"].(string)

	createRule(t, s, tenantID, map[string]any{"name": "A", "active": true})
	rec = doRequest(t, s, http.MethodGet, "/api/v1/tenants/"+tenantID+"/rules?active=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.True(t, mr.Exists(rules.RedisKeyPrefix+tenantID))
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := newRedisClient(config.CacheConfig{Backend: config.CacheRedis, RedisAddr: addr})
	assert.ErrorContains(t, err, "failed to ping redis")
}
