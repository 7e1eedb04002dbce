package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/liamcoop/dqrules/batch"
	"github.com/liamcoop/dqrules/compliance"
	"github.com/liamcoop/dqrules/rules"
	"github.com/liamcoop/dqrules/settings"
	"github.com/liamcoop/dqrules/sites"
	"github.com/liamcoop/dqrules/tenants"
)

// CreateTenantRequest represents the request body for creating a tenant
type CreateTenantRequest struct {
	Name string `json:"name"`
}

// TenantsListResponse represents the response for listing tenants
type TenantsListResponse struct {
	Tenants []tenants.Tenant `json:"tenants"`
}

// RulesListResponse represents the response for listing rules
type RulesListResponse struct {
	Rules []*rules.Rule `json:"rules"`
}

// UpdateRuleRequest is a partial rule update. Omitted fields are left alone;
// an explicit null on effective_from or effective_to clears that bound.
type UpdateRuleRequest struct {
	Name            *string         `json:"name"`
	Description     *string         `json:"description"`
	Query           *string         `json:"query"`
	TargetTable     *string         `json:"target_table"`
	ExecutionGroup  *string         `json:"execution_group"`
	ExecutionStage  *int            `json:"execution_stage"`
	Active          *bool           `json:"active"`
	Severity        *rules.Severity `json:"severity"`
	DropsRecords    *bool           `json:"drops_records"`
	EffectiveFrom   json.RawMessage `json:"effective_from"`
	EffectiveTo     json.RawMessage `json:"effective_to"`
	DependencyIDs   *[]int64        `json:"dependency_query_ids"`
	CreatedBy       *string         `json:"created_by"`
	RemediationHint *string         `json:"remediation_hint"`
}

// Patch converts the request into a store patch.
func (req UpdateRuleRequest) Patch() (rules.RulePatch, error) {
	patch := rules.RulePatch{
		Name:            req.Name,
		Description:     req.Description,
		Query:           req.Query,
		TargetTable:     req.TargetTable,
		ExecutionGroup:  req.ExecutionGroup,
		ExecutionStage:  req.ExecutionStage,
		Active:          req.Active,
		Severity:        req.Severity,
		DropsRecords:    req.DropsRecords,
		DependencyIDs:   req.DependencyIDs,
		CreatedBy:       req.CreatedBy,
		RemediationHint: req.RemediationHint,
	}

	var err error
	if patch.EffectiveFrom, patch.ClearEffectiveFrom, err = optionalTime(req.EffectiveFrom); err != nil {
		return rules.RulePatch{}, fmt.Errorf("effective_from: %w", err)
	}
	if patch.EffectiveTo, patch.ClearEffectiveTo, err = optionalTime(req.EffectiveTo); err != nil {
		return rules.RulePatch{}, fmt.Errorf("effective_to: %w", err)
	}
	return patch, nil
}

// optionalTime decodes a field that may be absent, null or an RFC 3339 time.
func optionalTime(raw json.RawMessage) (t *time.Time, unset bool, err error) {
	if len(raw) == 0 {
		return nil, false, nil
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, true, nil
	}
	var parsed time.Time
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, false, err
	}
	return &parsed, false, nil
}

// ActivityRequest creates a compliance activity and links it to rules.
type ActivityRequest struct {
	compliance.ActivityInput
	RuleIDs []int64 `json:"rule_ids"`
}

// UpdateActivityRequest is a partial activity update. A present rule_ids
// replaces every link; an absent one keeps them.
type UpdateActivityRequest struct {
	Code              *string  `json:"code"`
	Name              *string  `json:"name"`
	Description       *string  `json:"description"`
	RecommendedAction *string  `json:"recommended_action"`
	RuleIDs           *[]int64 `json:"rule_ids"`
}

func (req UpdateActivityRequest) Patch() compliance.ActivityPatch {
	return compliance.ActivityPatch{
		Code:              req.Code,
		Name:              req.Name,
		Description:       req.Description,
		RecommendedAction: req.RecommendedAction,
	}
}

// ActivityResponse is an activity with the ids of the rules that detect it
type ActivityResponse struct {
	*compliance.Activity
	RuleIDs []int64 `json:"rule_ids"`
}

// TriggerBatchRequest represents the request body for starting a batch run
type TriggerBatchRequest struct {
	Name         string `json:"batch_name"`
	PipelineType string `json:"pipeline_type"`
	TriggeredBy  string `json:"triggered_by"`
}

// BatchesListResponse represents the response for listing batches
type BatchesListResponse struct {
	Batches []*batch.Batch `json:"batches"`
}

// SiteMappingsListResponse represents the response for listing site mappings
type SiteMappingsListResponse struct {
	Mappings []*sites.Mapping `json:"mappings"`
}

// SettingsListResponse represents the response for listing settings
type SettingsListResponse struct {
	Settings []*settings.Setting `json:"settings"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// RuleDetailResponse is a rule with the compliance activities it detects
type RuleDetailResponse struct {
	*rules.Rule
	Compliance []*compliance.Activity `json:"compliance_activities"`
}
