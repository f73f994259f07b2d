package cache

import "sync"

// Epochs counts invalidations per key or pattern. A reader snapshots
// Current(key) before fetching and compares after: a different value means an
// invalidation covering the key arrived meanwhile and the result is superseded.
type Epochs struct {
	mu     sync.Mutex
	counts map[string]uint64
}

// NewEpochs creates an empty counter set.
func NewEpochs() *Epochs {
	return &Epochs{counts: make(map[string]uint64)}
}

// Bump increments the counter for pattern and returns the new value.
func (e *Epochs) Bump(pattern string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts[pattern]++
	return e.counts[pattern]
}

// Current returns the sum of all counters whose pattern covers key. The value
// never decreases until Reset.
func (e *Epochs) Current(key string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	var total uint64
	for pattern, n := range e.counts {
		if MatchPattern(pattern, key) {
			total += n
		}
	}
	return total
}

// Reset drops every counter. Used on sign-out.
func (e *Epochs) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts = make(map[string]uint64)
}
