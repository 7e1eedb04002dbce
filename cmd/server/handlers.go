package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/liamcoop/dqrules/batch"
	"github.com/liamcoop/dqrules/compliance"
	"github.com/liamcoop/dqrules/internal/logger"
	"github.com/liamcoop/dqrules/internal/metrics"
	"github.com/liamcoop/dqrules/rules"
	"github.com/liamcoop/dqrules/settings"
	"github.com/liamcoop/dqrules/sites"
	"github.com/liamcoop/dqrules/tenants"
)

type ctxKey int

const workspaceKey ctxKey = iota

// withWorkspace resolves {tenantId} once for every nested route.
func (s *Server) withWorkspace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.tenants.Workspace(chi.URLParam(r, "tenantId"))
		if err != nil {
			respondError(w, http.StatusNotFound, "tenant not found", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), workspaceKey, ws)))
	})
}

func workspaceFrom(r *http.Request) *tenants.Workspace {
	return r.Context().Value(workspaceKey).(*tenants.Workspace)
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	backend := "memory"
	if s.db != nil {
		backend = "postgres"
		if err := s.db.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"backend":       backend,
		"tenantsLoaded": len(s.tenants.ListTenants()),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.workspaceStats()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to count active rules", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"counters":        logger.Counters(),
		"tenants":         stats.Tenants,
		"active_rules":    stats.ActiveRules,
		"running_batches": stats.RunningBatches,
	})
}

// workspaceStats sums active rules and running batches over all tenants.
func (s *Server) workspaceStats() (metrics.WorkspaceStats, error) {
	list := s.tenants.ListTenants()
	stats := metrics.WorkspaceStats{Tenants: len(list)}
	for _, t := range list {
		ws, err := s.tenants.Workspace(t.ID)
		if err != nil {
			// deleted since ListTenants
			continue
		}
		n, err := ws.Engine.ActiveCount()
		if err != nil {
			return stats, err
		}
		stats.ActiveRules += n
		stats.RunningBatches += ws.Batches.Running()
	}
	return stats, nil
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, TenantsListResponse{Tenants: s.tenants.ListTenants()})
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ws, err := s.tenants.CreateTenant(req.Name)
	if err != nil {
		respondErr(w, "failed to create tenant", err)
		return
	}
	respondJSON(w, http.StatusCreated, ws.Tenant)
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	if err := s.tenants.DeleteTenant(workspaceFrom(r).Tenant.ID); err != nil {
		respondErr(w, "failed to delete tenant", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var in rules.RuleInput
	if !decodeJSON(w, r, &in) {
		return
	}

	rule, err := workspaceFrom(r).Engine.CreateRule(in)
	if err != nil {
		respondErr(w, "failed to create rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

// List rules handler. ?filter=<cel> selects among active rules,
// ?active=true lists active rules, otherwise every rule is returned.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	engine := workspaceFrom(r).Engine

	var (
		list []*rules.Rule
		err  error
	)
	switch filter := r.URL.Query().Get("filter"); {
	case filter != "":
		list, err = engine.Select(filter)
	case r.URL.Query().Get("active") == "true":
		list, err = engine.ActiveRules()
	default:
		list, err = engine.ListRules()
	}
	if err != nil {
		respondErr(w, "failed to list rules", err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: list})
}

// Get rule handler
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	ws := workspaceFrom(r)

	rule, err := ws.Engine.GetRule(id)
	if err != nil {
		respondErr(w, "rule not found", err)
		return
	}
	respondJSON(w, http.StatusOK, RuleDetailResponse{
		Rule:       rule,
		Compliance: ws.Compliance.ActivitiesForRule(id),
	})
}

// Update rule handler
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	var req UpdateRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	patch, err := req.Patch()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := workspaceFrom(r).Engine.UpdateRule(id, patch)
	if err != nil {
		respondErr(w, "failed to update rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// Delete rule handler
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	removed, err := workspaceFrom(r).DeleteRule(id)
	if err != nil {
		respondErr(w, "failed to delete rule", err)
		return
	}
	if !removed {
		respondError(w, http.StatusNotFound, "rule not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDependencies(w http.ResponseWriter, r *http.Request) {
	s.respondRelated(w, r, (*rules.Engine).Dependencies)
}

func (s *Server) handleDependents(w http.ResponseWriter, r *http.Request) {
	s.respondRelated(w, r, (*rules.Engine).Dependents)
}

// respondRelated answers dependency and dependent lookups. Unknown rules
// are a 404 here even though the store itself answers them with an empty list.
func (s *Server) respondRelated(w http.ResponseWriter, r *http.Request, lookup func(*rules.Engine, int64) ([]*rules.Rule, error)) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	engine := workspaceFrom(r).Engine

	if _, err := engine.GetRule(id); err != nil {
		respondErr(w, "rule not found", err)
		return
	}
	related, err := lookup(engine, id)
	if err != nil {
		respondErr(w, "failed to resolve related rules", err)
		return
	}
	if related == nil {
		related = []*rules.Rule{}
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: related})
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	graph, err := workspaceFrom(r).Engine.Graph()
	if err != nil {
		respondErr(w, "failed to build graph", err)
		return
	}
	respondJSON(w, http.StatusOK, graph)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := workspaceFrom(r).Engine.Plan(r.URL.Query().Get("filter"))
	if err != nil {
		respondErr(w, "failed to plan rules", err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

func (s *Server) handleCreateActivity(w http.ResponseWriter, r *http.Request) {
	var req ActivityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ws := workspaceFrom(r)

	a, err := ws.CreateActivity(req.ActivityInput, req.RuleIDs)
	if err != nil {
		respondErr(w, "failed to create compliance activity", err)
		return
	}
	respondActivity(w, http.StatusCreated, ws, a)
}

func (s *Server) handleListActivities(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r)

	activities := ws.Compliance.List()
	out := make([]ActivityResponse, 0, len(activities))
	for _, a := range activities {
		links, err := ws.Compliance.LinkedRuleIDs(a.ID)
		if err != nil {
			// deleted since List
			continue
		}
		out = append(out, ActivityResponse{Activity: a, RuleIDs: links})
	}
	respondJSON(w, http.StatusOK, map[string]any{"activities": out})
}

func (s *Server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "activityId")
	if !ok {
		return
	}
	ws := workspaceFrom(r)

	a, err := ws.Compliance.Get(id)
	if err != nil {
		respondErr(w, "compliance activity not found", err)
		return
	}
	respondActivity(w, http.StatusOK, ws, a)
}

func (s *Server) handleUpdateActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "activityId")
	if !ok {
		return
	}

	var req UpdateActivityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ws := workspaceFrom(r)

	a, err := ws.UpdateActivity(id, req.Patch(), req.RuleIDs)
	if err != nil {
		respondErr(w, "failed to update compliance activity", err)
		return
	}
	respondActivity(w, http.StatusOK, ws, a)
}

func (s *Server) handleDeleteActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "activityId")
	if !ok {
		return
	}
	if !workspaceFrom(r).Compliance.Delete(id) {
		respondError(w, http.StatusNotFound, "compliance activity not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List site mappings handler. ?site_id=<id> returns one site's mappings in run order.
func (s *Server) handleListSiteMappings(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r)

	var mappings []*sites.Mapping
	if site := r.URL.Query().Get("site_id"); site != "" {
		mappings = ws.Sites.ForSite(site)
	} else {
		mappings = ws.Sites.List()
	}
	respondJSON(w, http.StatusOK, SiteMappingsListResponse{Mappings: mappings})
}

func (s *Server) handleCreateSiteMapping(w http.ResponseWriter, r *http.Request) {
	var req sites.MappingInput
	if !decodeJSON(w, r, &req) {
		return
	}

	m, err := workspaceFrom(r).CreateSiteMapping(req)
	if err != nil {
		respondErr(w, "failed to create site mapping", err)
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

func (s *Server) handleGetSiteMapping(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "mappingId")
	if !ok {
		return
	}

	m, err := workspaceFrom(r).Sites.Get(id)
	if err != nil {
		respondErr(w, "site mapping not found", err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleUpdateSiteMapping(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "mappingId")
	if !ok {
		return
	}

	var patch sites.MappingPatch
	if !decodeJSON(w, r, &patch) {
		return
	}

	m, err := workspaceFrom(r).UpdateSiteMapping(id, patch)
	if err != nil {
		respondErr(w, "failed to update site mapping", err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteSiteMapping(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "mappingId")
	if !ok {
		return
	}
	if !workspaceFrom(r).Sites.Delete(id) {
		respondError(w, http.StatusNotFound, "site mapping not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List settings handler. ?active=true leaves out inactive settings.
func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	respondJSON(w, http.StatusOK, SettingsListResponse{Settings: workspaceFrom(r).Settings.List(activeOnly)})
}

func (s *Server) handleCreateSetting(w http.ResponseWriter, r *http.Request) {
	var req settings.SettingInput
	if !decodeJSON(w, r, &req) {
		return
	}

	st, err := workspaceFrom(r).Settings.Create(req)
	if err != nil {
		respondErr(w, "failed to create setting", err)
		return
	}
	respondJSON(w, http.StatusCreated, st)
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	st, err := workspaceFrom(r).Settings.Get(chi.URLParam(r, "settingKey"))
	if err != nil {
		respondErr(w, "setting not found", err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleUpdateSetting(w http.ResponseWriter, r *http.Request) {
	var patch settings.SettingPatch
	if !decodeJSON(w, r, &patch) {
		return
	}

	st, err := workspaceFrom(r).Settings.Update(chi.URLParam(r, "settingKey"), patch)
	if err != nil {
		respondErr(w, "failed to update setting", err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleDeleteSetting(w http.ResponseWriter, r *http.Request) {
	if !workspaceFrom(r).Settings.Delete(chi.URLParam(r, "settingKey")) {
		respondError(w, http.StatusNotFound, "setting not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTriggerBatch(w http.ResponseWriter, r *http.Request) {
	var req TriggerBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	b, err := workspaceFrom(r).TriggerBatch(req.Name, req.PipelineType, req.TriggeredBy)
	if err != nil {
		respondErr(w, "failed to trigger batch", err)
		return
	}
	respondJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, BatchesListResponse{Batches: workspaceFrom(r).Batches.List()})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := workspaceFrom(r).Batches.Get(chi.URLParam(r, "batchUuid"))
	if err != nil {
		respondErr(w, "batch not found", err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

func (s *Server) handleCompleteBatch(w http.ResponseWriter, r *http.Request) {
	var out batch.Outcome
	if !decodeJSON(w, r, &out) {
		return
	}

	b, err := workspaceFrom(r).Batches.Complete(chi.URLParam(r, "batchUuid"), out)
	if err != nil {
		respondErr(w, "failed to complete batch", err)
		return
	}
	logger.Info("batch completed", "batch_uuid", b.UUID, "status", b.Status, "failed_queries", b.FailedQueries)
	respondJSON(w, http.StatusOK, b)
}

func (s *Server) handleStopBatch(w http.ResponseWriter, r *http.Request) {
	b, err := workspaceFrom(r).Batches.Stop(chi.URLParam(r, "batchUuid"))
	if err != nil {
		respondErr(w, "failed to stop batch", err)
		return
	}
	logger.Info("batch stopped", "batch_uuid", b.UUID)
	respondJSON(w, http.StatusOK, b)
}

// checkRuleIDs refuses links to rules the tenant does not have.
func respondActivity(w http.ResponseWriter, status int, ws *tenants.Workspace, a *compliance.Activity) {
	links, err := ws.Compliance.LinkedRuleIDs(a.ID)
	if err != nil {
		respondErr(w, "compliance activity not found", err)
		return
	}
	respondJSON(w, status, ActivityResponse{Activity: a, RuleIDs: links})
}

func ruleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	return pathID(w, r, "ruleId")
}

// pathID parses a positive integer id from the named URL parameter.
func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	raw := chi.URLParam(r, param)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid "+param, fmt.Errorf("%q is not a positive integer", raw))
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, rules.ErrNotFound),
		errors.Is(err, tenants.ErrTenantNotFound),
		errors.Is(err, compliance.ErrNotFound),
		errors.Is(err, sites.ErrNotFound),
		errors.Is(err, settings.ErrNotFound),
		errors.Is(err, batch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrInvalidRule),
		errors.Is(err, rules.ErrSelfReference),
		errors.Is(err, rules.ErrInvalidFilter),
		errors.Is(err, compliance.ErrInvalidActivity),
		errors.Is(err, sites.ErrInvalidMapping),
		errors.Is(err, settings.ErrInvalidSetting),
		errors.Is(err, batch.ErrInvalidBatch),
		errors.Is(err, batch.ErrInvalidStatus),
		errors.Is(err, tenants.ErrInvalidTenant):
		return http.StatusBadRequest
	case errors.Is(err, rules.ErrDependencyCycle),
		errors.Is(err, batch.ErrNotRunning),
		errors.Is(err, settings.ErrExists),
		errors.Is(err, tenants.ErrTenantExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondErr picks the status from err; unexpected errors are logged.
func respondErr(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error(message, "error", err)
	}
	respondError(w, status, message, err)
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}
