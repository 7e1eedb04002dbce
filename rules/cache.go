package rules

import "time"

// RulesCache holds a snapshot of the active rule set so selection and
// planning don't hit the store on every request.
type RulesCache interface {
	// Get returns the cached snapshot, or nil on a miss or expiry
	Get() *Snapshot

	// Set replaces the cached snapshot with one built from rules
	Set(rules []*Rule)

	// Invalidate drops the snapshot, forcing a refresh on next Get
	Invalidate()

	// IsValid returns true if a fresh snapshot is cached
	IsValid() bool
}

// Snapshot is an immutable view of the active rules at CachedAt.
type Snapshot struct {
	Rules    []*Rule
	CachedAt time.Time
}

func newSnapshot(rules []*Rule, at time.Time) *Snapshot {
	snap := &Snapshot{
		Rules:    make([]*Rule, len(rules)),
		CachedAt: at,
	}
	for i, r := range rules {
		snap.Rules[i] = r.Clone()
	}
	return snap
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for the snapshot.
	// 0 means no expiration (invalidated on mutations only)
	TTL time.Duration
}

// DefaultCacheConfig only invalidates on mutations
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}
