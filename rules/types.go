package rules

import (
	"slices"
	"time"
)

// Severity classifies how serious a rule violation is.
// The zero value means the severity is unset.
type Severity string

const (
	SeverityUnset Severity = ""
	SeverityError Severity = "ERROR"
	SeverityWarn  Severity = "WARN"
	SeverityInfo  Severity = "INFO"
)

// Valid reports whether s is one of the known severities (including unset).
func (s Severity) Valid() bool {
	switch s {
	case SeverityUnset, SeverityError, SeverityWarn, SeverityInfo:
		return true
	}
	return false
}

// Well-known execution groups. Groups are free-form tags; these are the ones
// the dashboard ships with.
const (
	GroupDQ     = "DQ"
	GroupRI     = "RI"
	GroupSEC    = "SEC"
	GroupMetric = "METRIC"
)

// Rule is a named data-quality check and its dependency edges.
// DependencyIDs lists the rules that must conceptually run before this one.
type Rule struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Query           string     `json:"query"`
	TargetTable     string     `json:"target_table,omitempty"`
	ExecutionGroup  string     `json:"execution_group"`
	ExecutionStage  int        `json:"execution_stage"`
	Active          bool       `json:"active"`
	Severity        Severity   `json:"severity,omitempty"`
	DropsRecords    bool       `json:"drops_records"`
	EffectiveFrom   *time.Time `json:"effective_from,omitempty"`
	EffectiveTo     *time.Time `json:"effective_to,omitempty"`
	DependencyIDs   []int64    `json:"dependency_query_ids"`
	CreatedBy       string     `json:"created_by,omitempty"`
	RemediationHint string     `json:"remediation_hint,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the rule.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	c.DependencyIDs = slices.Clone(r.DependencyIDs)
	if c.DependencyIDs == nil {
		c.DependencyIDs = []int64{}
	}
	if r.EffectiveFrom != nil {
		t := *r.EffectiveFrom
		c.EffectiveFrom = &t
	}
	if r.EffectiveTo != nil {
		t := *r.EffectiveTo
		c.EffectiveTo = &t
	}
	return &c
}

// DependsOn reports whether id appears in the rule's dependency list.
func (r *Rule) DependsOn(id int64) bool {
	return slices.Contains(r.DependencyIDs, id)
}

// EffectiveAt reports whether the rule's validity window contains t.
// Open bounds are unbounded.
func (r *Rule) EffectiveAt(t time.Time) bool {
	if r.EffectiveFrom != nil && t.Before(*r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && t.After(*r.EffectiveTo) {
		return false
	}
	return true
}

// RuleInput carries every rule field a caller may set on creation.
// The store assigns the id and timestamps.
type RuleInput struct {
	Name            string     `json:"name" yaml:"name"`
	Description     string     `json:"description,omitempty" yaml:"description"`
	Query           string     `json:"query" yaml:"query"`
	TargetTable     string     `json:"target_table,omitempty" yaml:"target_table"`
	ExecutionGroup  string     `json:"execution_group" yaml:"execution_group"`
	ExecutionStage  int        `json:"execution_stage" yaml:"execution_stage"`
	Active          bool       `json:"active" yaml:"active"`
	Severity        Severity   `json:"severity,omitempty" yaml:"severity"`
	DropsRecords    bool       `json:"drops_records" yaml:"drops_records"`
	EffectiveFrom   *time.Time `json:"effective_from,omitempty" yaml:"effective_from"`
	EffectiveTo     *time.Time `json:"effective_to,omitempty" yaml:"effective_to"`
	DependencyIDs   []int64    `json:"dependency_query_ids,omitempty" yaml:"-"`
	CreatedBy       string     `json:"created_by,omitempty" yaml:"created_by"`
	RemediationHint string     `json:"remediation_hint,omitempty" yaml:"remediation_hint"`
}

// RulePatch is a partial update. Nil fields are left untouched.
// ClearEffectiveFrom/ClearEffectiveTo reset the optional window bounds to unset.
type RulePatch struct {
	Name               *string
	Description        *string
	Query              *string
	TargetTable        *string
	ExecutionGroup     *string
	ExecutionStage     *int
	Active             *bool
	Severity           *Severity
	DropsRecords       *bool
	EffectiveFrom      *time.Time
	EffectiveTo        *time.Time
	ClearEffectiveFrom bool
	ClearEffectiveTo   bool
	DependencyIDs      *[]int64
	CreatedBy          *string
	RemediationHint    *string
}

// IsEmpty reports whether the patch changes nothing.
func (p RulePatch) IsEmpty() bool {
	return p == (RulePatch{})
}

// apply merges the patch into r. Id and CreatedAt are never touched.
func (p RulePatch) apply(r *Rule) {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Query != nil {
		r.Query = *p.Query
	}
	if p.TargetTable != nil {
		r.TargetTable = *p.TargetTable
	}
	if p.ExecutionGroup != nil {
		r.ExecutionGroup = *p.ExecutionGroup
	}
	if p.ExecutionStage != nil {
		r.ExecutionStage = *p.ExecutionStage
	}
	if p.Active != nil {
		r.Active = *p.Active
	}
	if p.Severity != nil {
		r.Severity = *p.Severity
	}
	if p.DropsRecords != nil {
		r.DropsRecords = *p.DropsRecords
	}
	if p.ClearEffectiveFrom {
		r.EffectiveFrom = nil
	} else if p.EffectiveFrom != nil {
		t := *p.EffectiveFrom
		r.EffectiveFrom = &t
	}
	if p.ClearEffectiveTo {
		r.EffectiveTo = nil
	} else if p.EffectiveTo != nil {
		t := *p.EffectiveTo
		r.EffectiveTo = &t
	}
	if p.DependencyIDs != nil {
		r.DependencyIDs = slices.Clone(*p.DependencyIDs)
	}
	if p.CreatedBy != nil {
		r.CreatedBy = *p.CreatedBy
	}
	if p.RemediationHint != nil {
		r.RemediationHint = *p.RemediationHint
	}
}

// newRule builds a rule from input; the caller assigns id and timestamps.
func newRule(in RuleInput) *Rule {
	r := &Rule{
		Name:            in.Name,
		Description:     in.Description,
		Query:           in.Query,
		TargetTable:     in.TargetTable,
		ExecutionGroup:  in.ExecutionGroup,
		ExecutionStage:  in.ExecutionStage,
		Active:          in.Active,
		Severity:        in.Severity,
		DropsRecords:    in.DropsRecords,
		DependencyIDs:   slices.Clone(in.DependencyIDs),
		CreatedBy:       in.CreatedBy,
		RemediationHint: in.RemediationHint,
	}
	if in.EffectiveFrom != nil {
		t := *in.EffectiveFrom
		r.EffectiveFrom = &t
	}
	if in.EffectiveTo != nil {
		t := *in.EffectiveTo
		r.EffectiveTo = &t
	}
	if r.DependencyIDs == nil {
		r.DependencyIDs = []int64{}
	}
	return r
}

// withoutID returns deps with every occurrence of id removed.
func withoutID(deps []int64, id int64) []int64 {
	out := make([]int64, 0, len(deps))
	for _, dep := range deps {
		if dep != id {
			out = append(out, dep)
		}
	}
	return out
}

// uniqueIDs returns ids with duplicates removed, keeping first occurrences.
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
