package tenants

import (
	"fmt"
	"regexp"
	"strings"
)

const maxNameLength = 100

var namePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ValidateName checks a tenant name: 1-100 characters, starting with a
// letter, then letters, digits, '_' or '-'. Reserved names are refused.
func ValidateName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidTenant)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name length %d exceeds maximum of %d characters", ErrInvalidTenant, len(name), maxNameLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: name %q must match pattern %s", ErrInvalidTenant, name, namePattern.String())
	}
	if isReservedName(name) {
		return fmt.Errorf("%w: cannot use reserved name %q", ErrInvalidTenant, name)
	}
	return nil
}

// isReservedName reports names that collide with API path segments.
func isReservedName(name string) bool {
	reserved := map[string]bool{
		"api":     true,
		"health":  true,
		"metrics": true,
		"tenants": true,
		"admin":   true,
		"system":  true,
	}
	return reserved[strings.ToLower(name)]
}
