// Package compliance maps non-compliance activities (compliance codes and
// their remediation) to the rules that detect them.
package compliance

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned for an unknown activity id.
	ErrNotFound = errors.New("compliance activity not found")

	// ErrInvalidActivity is returned when an activity is missing its code or name.
	ErrInvalidActivity = errors.New("invalid compliance activity")
)

// Activity is a compliance code with the action recommended on violation.
type Activity struct {
	ID                int64  `json:"id"`
	Code              string `json:"code"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	RecommendedAction string `json:"recommended_action,omitempty"`
}

// ActivityInput holds the caller-supplied fields of a new activity.
type ActivityInput struct {
	Code              string `json:"code" yaml:"code"`
	Name              string `json:"name" yaml:"name"`
	Description       string `json:"description" yaml:"description"`
	RecommendedAction string `json:"recommended_action" yaml:"recommended_action"`
}

// ActivityPatch is a partial update; nil fields are left unchanged.
type ActivityPatch struct {
	Code              *string
	Name              *string
	Description       *string
	RecommendedAction *string
}

// Store keeps activities and their rule links. Safe for concurrent use.
type Store struct {
	activities map[int64]*Activity
	links      map[int64][]int64 // activity id -> rule ids, in link order
	nextID     int64
	mu         sync.RWMutex
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		activities: make(map[int64]*Activity),
		links:      make(map[int64][]int64),
	}
}

// Create stores a new activity and links it to ruleIDs
func (s *Store) Create(in ActivityInput, ruleIDs []int64) (*Activity, error) {
	if err := validate(in.Code, in.Name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	a := &Activity{
		ID:                s.nextID,
		Code:              in.Code,
		Name:              in.Name,
		Description:       in.Description,
		RecommendedAction: in.RecommendedAction,
	}
	s.activities[a.ID] = a
	s.setLinksLocked(a.ID, ruleIDs)

	c := *a
	return &c, nil
}

// Update merges patch into an activity. A nil ruleIDs keeps the current links;
// a non-nil slice replaces them.
func (s *Store) Update(id int64, patch ActivityPatch, ruleIDs *[]int64) (*Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activities[id]
	if !ok {
		return nil, fmt.Errorf("activity %d: %w", id, ErrNotFound)
	}

	updated := *a
	if patch.Code != nil {
		updated.Code = *patch.Code
	}
	if patch.Name != nil {
		updated.Name = *patch.Name
	}
	if patch.Description != nil {
		updated.Description = *patch.Description
	}
	if patch.RecommendedAction != nil {
		updated.RecommendedAction = *patch.RecommendedAction
	}
	if err := validate(updated.Code, updated.Name); err != nil {
		return nil, err
	}

	*a = updated
	if ruleIDs != nil {
		s.setLinksLocked(id, *ruleIDs)
	}
	return &updated, nil
}

// Delete removes an activity and its links
func (s *Store) Delete(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.activities[id]; !ok {
		return false
	}
	delete(s.activities, id)
	delete(s.links, id)
	return true
}

// Get returns an activity by id
func (s *Store) Get(id int64) (*Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.activities[id]
	if !ok {
		return nil, fmt.Errorf("activity %d: %w", id, ErrNotFound)
	}
	c := *a
	return &c, nil
}

// List returns every activity ordered by id
func (s *Store) List() []*Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Activity, 0, len(s.activities))
	for _, a := range s.activities {
		c := *a
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *Activity) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// LinkedRuleIDs returns the rules linked to an activity
func (s *Store) LinkedRuleIDs(id int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.activities[id]; !ok {
		return nil, fmt.Errorf("activity %d: %w", id, ErrNotFound)
	}
	ids := slices.Clone(s.links[id])
	if ids == nil {
		ids = []int64{}
	}
	return ids, nil
}

// ActivitiesForRule returns the activities linked to ruleID, ordered by id
func (s *Store) ActivitiesForRule(ruleID int64) []*Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*Activity{}
	for id, ruleIDs := range s.links {
		if slices.Contains(ruleIDs, ruleID) {
			c := *s.activities[id]
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *Activity) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// UnlinkRule drops ruleID from every activity and returns how many links were removed
func (s *Store) UnlinkRule(ruleID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, ruleIDs := range s.links {
		kept := slices.DeleteFunc(ruleIDs, func(r int64) bool { return r == ruleID })
		removed += len(ruleIDs) - len(kept)
		s.links[id] = kept
	}
	return removed
}

// setLinksLocked stores ruleIDs for an activity, dropping duplicates.
func (s *Store) setLinksLocked(id int64, ruleIDs []int64) {
	links := make([]int64, 0, len(ruleIDs))
	for _, r := range ruleIDs {
		if !slices.Contains(links, r) {
			links = append(links, r)
		}
	}
	s.links[id] = links
}

func validate(code, name string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("%w: code cannot be empty", ErrInvalidActivity)
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidActivity)
	}
	return nil
}
