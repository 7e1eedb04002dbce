package rules

import "errors"

var (
	// ErrNotFound is returned when a rule id does not resolve.
	ErrNotFound = errors.New("rule not found")
	// ErrSelfReference is returned when a rule lists itself as a dependency.
	ErrSelfReference = errors.New("rule cannot depend on itself")
	// ErrDependencyCycle is returned when dependency edges form a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")
	// ErrInvalidRule wraps every field validation failure.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrInvalidFilter is returned for selector expressions that do not compile.
	ErrInvalidFilter = errors.New("invalid rule filter")
)
