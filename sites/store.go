// Package sites maps rules onto the sites that run them. Each mapping carries
// its own activation flag and execution slot, so a site can skip a rule or run
// it at a different stage than the rule's default.
package sites

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned for an unknown mapping id.
	ErrNotFound = errors.New("site mapping not found")

	// ErrInvalidMapping is returned for a mapping without a site, a rule or a
	// valid stage.
	ErrInvalidMapping = errors.New("invalid site mapping")
)

// Mapping assigns a rule to a site.
type Mapping struct {
	ID             int64  `json:"id"`
	SiteID         string `json:"site_id"`
	RuleID         int64  `json:"rule_id"`
	ExecutionStage int    `json:"execution_stage"`
	ExecutionGroup string `json:"execution_group"`
	Active         bool   `json:"active"`
}

// MappingInput holds the caller-supplied fields of a new mapping.
type MappingInput struct {
	SiteID         string `json:"site_id"`
	RuleID         int64  `json:"rule_id"`
	ExecutionStage int    `json:"execution_stage"`
	ExecutionGroup string `json:"execution_group"`
	Active         bool   `json:"active"`
}

// MappingPatch is a partial update; nil fields are left unchanged.
type MappingPatch struct {
	SiteID         *string `json:"site_id"`
	RuleID         *int64  `json:"rule_id"`
	ExecutionStage *int    `json:"execution_stage"`
	ExecutionGroup *string `json:"execution_group"`
	Active         *bool   `json:"active"`
}

// Store keeps site mappings. Safe for concurrent use.
type Store struct {
	mappings map[int64]*Mapping
	nextID   int64
	mu       sync.RWMutex
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{mappings: make(map[int64]*Mapping)}
}

// Create stores a new mapping
func (s *Store) Create(in MappingInput) (*Mapping, error) {
	m := Mapping{
		SiteID:         in.SiteID,
		RuleID:         in.RuleID,
		ExecutionStage: in.ExecutionStage,
		ExecutionGroup: in.ExecutionGroup,
		Active:         in.Active,
	}
	if err := validate(&m); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	m.ID = s.nextID
	s.mappings[m.ID] = &m

	c := m
	return &c, nil
}

// Update merges patch into a mapping
func (s *Store) Update(id int64, patch MappingPatch) (*Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mappings[id]
	if !ok {
		return nil, fmt.Errorf("mapping %d: %w", id, ErrNotFound)
	}

	updated := *m
	if patch.SiteID != nil {
		updated.SiteID = *patch.SiteID
	}
	if patch.RuleID != nil {
		updated.RuleID = *patch.RuleID
	}
	if patch.ExecutionStage != nil {
		updated.ExecutionStage = *patch.ExecutionStage
	}
	if patch.ExecutionGroup != nil {
		updated.ExecutionGroup = *patch.ExecutionGroup
	}
	if patch.Active != nil {
		updated.Active = *patch.Active
	}
	if err := validate(&updated); err != nil {
		return nil, err
	}

	*m = updated
	return &updated, nil
}

// Delete removes a mapping
func (s *Store) Delete(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mappings[id]; !ok {
		return false
	}
	delete(s.mappings, id)
	return true
}

// Get returns a mapping by id
func (s *Store) Get(id int64) (*Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mappings[id]
	if !ok {
		return nil, fmt.Errorf("mapping %d: %w", id, ErrNotFound)
	}
	c := *m
	return &c, nil
}

// List returns every mapping ordered by id
func (s *Store) List() []*Mapping {
	return s.filter(func(*Mapping) bool { return true })
}

// ForSite returns a site's mappings ordered by group, stage and rule id, the
// order the site runs them in.
func (s *Store) ForSite(siteID string) []*Mapping {
	out := s.filter(func(m *Mapping) bool { return m.SiteID == siteID })
	slices.SortFunc(out, func(a, b *Mapping) int {
		return cmp.Or(
			cmp.Compare(a.ExecutionGroup, b.ExecutionGroup),
			cmp.Compare(a.ExecutionStage, b.ExecutionStage),
			cmp.Compare(a.RuleID, b.RuleID),
		)
	})
	return out
}

// ForRule returns the mappings of ruleID ordered by id
func (s *Store) ForRule(ruleID int64) []*Mapping {
	return s.filter(func(m *Mapping) bool { return m.RuleID == ruleID })
}

// RemoveRule deletes every mapping of ruleID and returns how many went
func (s *Store) RemoveRule(ruleID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, m := range s.mappings {
		if m.RuleID == ruleID {
			delete(s.mappings, id)
			removed++
		}
	}
	return removed
}

func (s *Store) filter(keep func(*Mapping) bool) []*Mapping {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*Mapping{}
	for _, m := range s.mappings {
		if keep(m) {
			c := *m
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *Mapping) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func validate(m *Mapping) error {
	m.SiteID = strings.TrimSpace(m.SiteID)
	if m.SiteID == "" {
		return fmt.Errorf("%w: site_id cannot be empty", ErrInvalidMapping)
	}
	if m.RuleID <= 0 {
		return fmt.Errorf("%w: rule_id must be positive", ErrInvalidMapping)
	}
	if m.ExecutionStage < 0 {
		return fmt.Errorf("%w: execution_stage cannot be negative", ErrInvalidMapping)
	}
	return nil
}

// DemoSiteIDs are the sites the demo data set maps every rule onto.
var DemoSiteIDs = []string{"12340", "12341", "12342", "12343", "12344", "12345"}
