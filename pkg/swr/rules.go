package swr

import (
	"sort"
	"sync"
)

// Rules maps a mutation category to the cache-key patterns that become
// invalid when such a mutation succeeds. Patterns are exact keys or prefix
// patterns ending in cache.Wildcard.
type Rules struct {
	mu    sync.RWMutex
	rules map[string][]string
}

// NewRules builds a rule table from m. The map is copied.
func NewRules(m map[string][]string) *Rules {
	r := &Rules{rules: make(map[string][]string, len(m))}
	for name, patterns := range m {
		r.Register(name, patterns...)
	}
	return r
}

// DefaultRules returns the built-in invalidation map for the fleet API.
func DefaultRules() *Rules {
	return NewRules(map[string][]string{
		"officer-overlay": {"catalog:officers:merged*", "catalog:counts"},
		"ship-overlay":    {"catalog:ships:merged*", "catalog:counts"},
		"bridge-core":     {"crew:bridge-cores*", "crew:effective-state*"},
		"loadout":         {"crew:loadouts*", "crew:effective-state*"},
		"dock":            {"crew:docks*", "crew:effective-state*"},
		"fleet-preset":    {"crew:fleet-presets*", "crew:effective-state*"},
		"reservation":     {"crew:reservations*", "crew:effective-state*"},
		"target":          {"targets*"},
		"settings":        {"settings*"},
	})
}

// Register appends patterns to the named rule. Duplicates are ignored.
func (r *Rules) Register(name string, patterns ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.rules[name]
	for _, p := range patterns {
		if p == "" || contains(existing, p) {
			continue
		}
		existing = append(existing, p)
	}
	r.rules[name] = existing
}

// Patterns returns a copy of the patterns registered for name, in
// registration order. Unknown names yield nil.
func (r *Rules) Patterns(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	patterns := r.rules[name]
	if len(patterns) == 0 {
		return nil
	}
	out := make([]string, len(patterns))
	copy(out, patterns)
	return out
}

// Names lists the registered mutation categories, sorted.
func (r *Rules) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.rules))
	for name := range r.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
