// Package settings keeps a tenant's runtime configuration entries, such as
// retry limits and notification targets, as typed key/value pairs.
package settings

import (
	"cmp"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned for an unknown key.
	ErrNotFound = errors.New("setting not found")

	// ErrExists is returned when creating a key that is already set.
	ErrExists = errors.New("setting already exists")

	// ErrInvalidSetting is returned for a malformed key or type.
	ErrInvalidSetting = errors.New("invalid setting")
)

var keyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Setting types.
const (
	TypeSystem       = "SYSTEM"
	TypeRuntime      = "RUNTIME"
	TypeNotification = "NOTIFICATION"
)

// Setting is one configuration entry.
type Setting struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Description string    `json:"description,omitempty"`
	Type        string    `json:"type"`
	Active      bool      `json:"active"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// SettingInput holds the fields of a new setting.
type SettingInput struct {
	Key         string `json:"key" yaml:"key"`
	Value       string `json:"value" yaml:"value"`
	Description string `json:"description" yaml:"description"`
	Type        string `json:"type" yaml:"type"`
	Active      bool   `json:"active" yaml:"active"`
}

// SettingPatch is a partial update; nil fields are left unchanged. The key
// cannot be changed.
type SettingPatch struct {
	Value       *string `json:"value"`
	Description *string `json:"description"`
	Type        *string `json:"type"`
	Active      *bool   `json:"active"`
}

// Store keeps settings by key. Safe for concurrent use.
type Store struct {
	settings map[string]*Setting
	now      func() time.Time
	mu       sync.RWMutex
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		settings: make(map[string]*Setting),
		now:      time.Now,
	}
}

// Create adds a setting. An empty type defaults to RUNTIME.
func (s *Store) Create(in SettingInput) (*Setting, error) {
	if in.Type == "" {
		in.Type = TypeRuntime
	}
	if !keyPattern.MatchString(in.Key) {
		return nil, fmt.Errorf("%w: key %q must match %s", ErrInvalidSetting, in.Key, keyPattern)
	}
	if err := validateType(in.Type); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.settings[in.Key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrExists, in.Key)
	}
	st := &Setting{
		Key:         in.Key,
		Value:       in.Value,
		Description: in.Description,
		Type:        in.Type,
		Active:      in.Active,
		ModifiedAt:  s.now().UTC(),
	}
	s.settings[st.Key] = st

	c := *st
	return &c, nil
}

// Update merges patch into a setting and refreshes ModifiedAt
func (s *Store) Update(key string, patch SettingPatch) (*Setting, error) {
	if patch.Type != nil {
		if err := validateType(*patch.Type); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.settings[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if patch.Value != nil {
		st.Value = *patch.Value
	}
	if patch.Description != nil {
		st.Description = *patch.Description
	}
	if patch.Type != nil {
		st.Type = *patch.Type
	}
	if patch.Active != nil {
		st.Active = *patch.Active
	}
	st.ModifiedAt = s.now().UTC()

	c := *st
	return &c, nil
}

// Delete removes a setting
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.settings[key]; !ok {
		return false
	}
	delete(s.settings, key)
	return true
}

// Get returns a setting by key
func (s *Store) Get(key string) (*Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settings[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	c := *st
	return &c, nil
}

// List returns every setting ordered by key. With activeOnly, inactive
// settings are left out.
func (s *Store) List(activeOnly bool) []*Setting {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Setting, 0, len(s.settings))
	for _, st := range s.settings {
		if activeOnly && !st.Active {
			continue
		}
		c := *st
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *Setting) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return out
}

func validateType(t string) error {
	switch t {
	case TypeSystem, TypeRuntime, TypeNotification:
		return nil
	}
	return fmt.Errorf("%w: type %q (want %s, %s or %s)", ErrInvalidSetting, t, TypeSystem, TypeRuntime, TypeNotification)
}
