package rules

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// RuleStore manages rule definitions and their dependency edges.
type RuleStore interface {
	// Create stores a new rule under a freshly assigned id
	Create(in RuleInput) (*Rule, error)

	// Get retrieves a rule by id, or ErrNotFound
	Get(id int64) (*Rule, error)

	// List returns all rules ordered by id
	List() ([]*Rule, error)

	// ListActive returns all active rules ordered by id
	ListActive() ([]*Rule, error)

	// Update merges patch into an existing rule, or returns ErrNotFound
	Update(id int64, patch RulePatch) (*Rule, error)

	// Delete removes a rule and scrubs it from every dependency list.
	// The bool reports whether a rule was removed.
	Delete(id int64) (bool, error)

	// Dependencies returns the rules listed by id, in list order
	Dependencies(id int64) ([]*Rule, error)

	// Dependents returns the rules that list id as a dependency
	Dependents(id int64) ([]*Rule, error)
}

// StoreOption configures an InMemoryRuleStore.
type StoreOption func(*InMemoryRuleStore)

// WithClock overrides the time source used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) StoreOption {
	return func(s *InMemoryRuleStore) {
		s.now = now
	}
}

// WithCycleCheck makes Create and Update reject dependency lists that would
// close a cycle, returning ErrDependencyCycle.
func WithCycleCheck() StoreOption {
	return func(s *InMemoryRuleStore) {
		s.checkCycles = true
	}
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Mutations take the write lock; reads share the read lock. Every rule handed
// out is a copy.
type InMemoryRuleStore struct {
	rules       map[int64]*Rule
	nextID      int64
	now         func() time.Time
	checkCycles bool
	mu          sync.RWMutex
}

// NewInMemoryRuleStore creates a new, empty in-memory rule store
func NewInMemoryRuleStore(opts ...StoreOption) *InMemoryRuleStore {
	s := &InMemoryRuleStore{
		rules: make(map[int64]*Rule),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create assigns the next id, stamps CreatedAt/UpdatedAt and stores the rule.
// A dependency on the rule's own id is dropped.
func (s *InMemoryRuleStore) Create(in RuleInput) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID + 1
	rule := newRule(in)
	rule.ID = id
	rule.DependencyIDs = withoutID(rule.DependencyIDs, id)

	if s.checkCycles {
		if err := checkAcyclic(s.edgesLocked(), id, rule.DependencyIDs); err != nil {
			return nil, err
		}
	}

	now := s.now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	s.nextID = id
	s.rules[id] = rule
	return rule.Clone(), nil
}

// Get retrieves a rule by id
func (s *InMemoryRuleStore) Get(id int64) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	return rule.Clone(), nil
}

// List returns every rule ordered by id
func (s *InMemoryRuleStore) List() ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collectLocked(func(*Rule) bool { return true }), nil
}

// ListActive returns all active rules ordered by id
func (s *InMemoryRuleStore) ListActive() ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collectLocked(func(r *Rule) bool { return r.Active }), nil
}

// Update merges patch into the rule, refreshing UpdatedAt.
// Id and CreatedAt are preserved. Unknown ids leave the store untouched.
func (s *InMemoryRuleStore) Update(id int64, patch RulePatch) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}

	updated := existing.Clone()
	patch.apply(updated)
	updated.ID = existing.ID
	updated.CreatedAt = existing.CreatedAt
	updated.DependencyIDs = withoutID(updated.DependencyIDs, id)

	if s.checkCycles && patch.DependencyIDs != nil {
		if err := checkAcyclic(s.edgesLocked(), id, updated.DependencyIDs); err != nil {
			return nil, err
		}
	}

	updated.UpdatedAt = s.now()
	s.rules[id] = updated
	return updated.Clone(), nil
}

// Delete removes the rule and every reference to it from other rules'
// dependency lists. Dependents are kept; they just lose the edge.
func (s *InMemoryRuleStore) Delete(id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return false, nil
	}
	delete(s.rules, id)

	for _, r := range s.rules {
		if r.DependsOn(id) {
			r.DependencyIDs = withoutID(r.DependencyIDs, id)
		}
	}
	return true, nil
}

// Dependencies resolves the rule's dependency list in order. Ids that no
// longer resolve are skipped and each rule appears once.
func (s *InMemoryRuleStore) Dependencies(id int64) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return []*Rule{}, nil
	}

	deps := make([]*Rule, 0, len(rule.DependencyIDs))
	for _, depID := range uniqueIDs(rule.DependencyIDs) {
		if dep, ok := s.rules[depID]; ok {
			deps = append(deps, dep.Clone())
		}
	}
	return deps, nil
}

// Dependents scans every rule for a reference to id
func (s *InMemoryRuleStore) Dependents(id int64) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collectLocked(func(r *Rule) bool { return r.DependsOn(id) }), nil
}

func (s *InMemoryRuleStore) collectLocked(keep func(*Rule) bool) []*Rule {
	ids := make([]int64, 0, len(s.rules))
	for id, r := range s.rules {
		if keep(r) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	out := make([]*Rule, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.rules[id].Clone())
	}
	return out
}

func (s *InMemoryRuleStore) edgesLocked() map[int64][]int64 {
	edges := make(map[int64][]int64, len(s.rules))
	for id, r := range s.rules {
		edges[id] = r.DependencyIDs
	}
	return edges
}
