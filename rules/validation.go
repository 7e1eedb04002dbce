package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	maxNameLength  = 200
	maxDependsOn   = 500
	maxGroupLength = 32
)

var (
	groupPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
	tablePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)
)

// ValidateInput checks a creation request. Errors wrap ErrInvalidRule.
func ValidateInput(in RuleInput) error {
	if err := validateName(in.Name); err != nil {
		return err
	}
	if err := validateGroup(in.ExecutionGroup); err != nil {
		return err
	}
	if in.ExecutionStage < 0 {
		return invalid("execution_stage must be >= 0, got %d", in.ExecutionStage)
	}
	if !in.Severity.Valid() {
		return invalid("severity %q must be one of ERROR, WARN, INFO or empty", in.Severity)
	}
	if err := validateTable(in.TargetTable); err != nil {
		return err
	}
	if err := validateWindow(in.EffectiveFrom, in.EffectiveTo); err != nil {
		return err
	}
	return validateDependencyIDs(in.DependencyIDs)
}

// ValidatePatch checks a partial update against the rule it will be applied to.
// A dependency on id itself is reported as ErrSelfReference.
func ValidatePatch(id int64, current *Rule, patch RulePatch) error {
	if patch.Name != nil {
		if err := validateName(*patch.Name); err != nil {
			return err
		}
	}
	if patch.ExecutionGroup != nil {
		if err := validateGroup(*patch.ExecutionGroup); err != nil {
			return err
		}
	}
	if patch.ExecutionStage != nil && *patch.ExecutionStage < 0 {
		return invalid("execution_stage must be >= 0, got %d", *patch.ExecutionStage)
	}
	if patch.Severity != nil && !patch.Severity.Valid() {
		return invalid("severity %q must be one of ERROR, WARN, INFO or empty", *patch.Severity)
	}
	if patch.TargetTable != nil {
		if err := validateTable(*patch.TargetTable); err != nil {
			return err
		}
	}
	if patch.DependencyIDs != nil {
		for _, dep := range *patch.DependencyIDs {
			if dep == id {
				return fmt.Errorf("rule %d: %w", id, ErrSelfReference)
			}
		}
		if err := validateDependencyIDs(*patch.DependencyIDs); err != nil {
			return err
		}
	}

	if current != nil {
		merged := current.Clone()
		patch.apply(merged)
		return validateWindow(merged.EffectiveFrom, merged.EffectiveTo)
	}
	return nil
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return invalid("name cannot be empty")
	}
	if len(name) > maxNameLength {
		return invalid("name length %d exceeds maximum of %d characters", len(name), maxNameLength)
	}
	return nil
}

func validateGroup(group string) error {
	if group == "" {
		return nil
	}
	if len(group) > maxGroupLength {
		return invalid("execution_group length %d exceeds maximum of %d characters", len(group), maxGroupLength)
	}
	if !groupPattern.MatchString(group) {
		return invalid("execution_group %q must match %s", group, groupPattern.String())
	}
	return nil
}

func validateTable(table string) error {
	if table == "" {
		return nil
	}
	if !tablePattern.MatchString(table) {
		return invalid("target_table %q must be a table or schema.table identifier", table)
	}
	return nil
}

func validateWindow(from, to *time.Time) error {
	if from != nil && to != nil && to.Before(*from) {
		return invalid("effective_to %s is before effective_from %s",
			to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	return nil
}

func validateDependencyIDs(ids []int64) error {
	if len(ids) > maxDependsOn {
		return invalid("rule lists %d dependencies, maximum allowed is %d", len(ids), maxDependsOn)
	}
	for _, id := range ids {
		if id <= 0 {
			return invalid("dependency id %d must be positive", id)
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
}
