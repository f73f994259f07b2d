// Package swr implements stale-while-revalidate reads over the persistent
// cache store, with request de-duplication and mutation-driven invalidation.
package swr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/swrcache/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Fetcher performs the network round-trip for one cache key and returns the
// payload to cache.
type Fetcher func(ctx context.Context) (json.RawMessage, error)

// Broadcaster forwards invalidation patterns to other client instances of the
// same user. Implementations swallow their own failures.
type Broadcaster interface {
	BroadcastInvalidation(ctx context.Context, patterns []string)
}

// Result describes where the returned data came from.
type Result struct {
	Data      json.RawMessage
	FromCache bool
	Stale     bool
}

// Source returns "hit", "stale" or "miss" for headers and logs.
func (r Result) Source() string {
	switch {
	case r.FromCache && r.Stale:
		return "stale"
	case r.FromCache:
		return "hit"
	default:
		return "miss"
	}
}

// Option tunes a single CachedFetch call.
type Option func(*fetchOptions)

type fetchOptions struct {
	forceNetwork bool
	onRevalidate func(json.RawMessage)
}

// WithForceNetwork skips the cache read and any in-flight request for the key.
func WithForceNetwork() Option {
	return func(o *fetchOptions) { o.forceNetwork = true }
}

// WithOnRevalidate registers a callback receiving the fresh payload after a
// stale hit has been revalidated.
func WithOnRevalidate(fn func(json.RawMessage)) Option {
	return func(o *fetchOptions) { o.onRevalidate = fn }
}

// Deps are the collaborators of an Orchestrator. Store is required.
type Deps struct {
	Store       *cache.Store
	Epochs      *cache.Epochs
	Metrics     *cache.Metrics
	Rules       *Rules
	Broadcaster Broadcaster
	Logger      *zerolog.Logger
}

// Orchestrator serves cached reads and coordinates their refresh.
type Orchestrator struct {
	store   *cache.Store
	epochs  *cache.Epochs
	metrics *cache.Metrics
	rules   *Rules
	logger  zerolog.Logger

	group singleflight.Group

	mu          sync.Mutex
	inflight    map[string]int
	broadcaster Broadcaster

	revalidations sync.WaitGroup
}

// flight is the shared outcome of one de-duplicated fetch.
type flight struct {
	data       json.RawMessage
	superseded bool
}

// New creates an Orchestrator. Missing optional deps get fresh defaults.
func New(deps Deps) *Orchestrator {
	if deps.Store == nil {
		panic("cache store cannot be nil")
	}

	o := &Orchestrator{
		store:       deps.Store,
		epochs:      deps.Epochs,
		metrics:     deps.Metrics,
		rules:       deps.Rules,
		broadcaster: deps.Broadcaster,
		inflight:    make(map[string]int),
	}
	if o.epochs == nil {
		o.epochs = cache.NewEpochs()
	}
	if o.metrics == nil {
		o.metrics = cache.NewMetrics()
	}
	if o.rules == nil {
		o.rules = DefaultRules()
	}
	if deps.Logger != nil {
		o.logger = *deps.Logger
	} else {
		o.logger = log.With().Str("component", "swr").Logger()
	}
	return o
}

// SetBroadcaster replaces the broadcaster used by InvalidateForMutation.
// Passing nil disables broadcasting.
func (o *Orchestrator) SetBroadcaster(b Broadcaster) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.broadcaster = b
}

// RegisterRules extends the invalidation map.
func (o *Orchestrator) RegisterRules(m map[string][]string) {
	for name, patterns := range m {
		o.rules.Register(name, patterns...)
	}
}

// Patterns returns a copy of the patterns registered for a mutation category.
func (o *Orchestrator) Patterns(name string) []string {
	return o.rules.Patterns(name)
}

// Metrics returns the passive counters.
func (o *Orchestrator) Metrics() *cache.Metrics {
	return o.metrics
}

// Store returns the underlying cache store.
func (o *Orchestrator) Store() *cache.Store {
	return o.store
}

// CachedFetch returns data for key, consulting the cache first.
//
//   - forced, volatile (ttl == 0) or store closed: network fetch, cached when possible
//   - fresh entry: returned without a network call
//   - stale entry: returned immediately, refreshed in the background
//   - miss: de-duplicated network fetch, then cached
func (o *Orchestrator) CachedFetch(ctx context.Context, key string, fetch Fetcher, ttl time.Duration, opts ...Option) (Result, error) {
	var options fetchOptions
	for _, opt := range opts {
		opt(&options)
	}

	if options.forceNetwork || ttl <= 0 || !o.store.IsOpen() {
		if options.forceNetwork {
			o.forget(key)
		}
		return o.fetchAndStore(ctx, key, fetch, ttl)
	}

	entry, ok := o.store.Get(ctx, key)
	if !ok {
		o.logger.Debug().Str("key", key).Msg("Cache miss")
		return o.fetchAndStore(ctx, key, fetch, ttl)
	}

	o.metrics.RecordHit(len(entry.Data))

	if entry.IsFresh() {
		o.logger.Debug().Str("key", key).Dur("age", entry.Age()).Msg("Cache hit")
		return Result{Data: entry.Data, FromCache: true}, nil
	}

	o.logger.Debug().Str("key", key).Dur("age", entry.Age()).Msg("Serving stale entry, revalidating")
	o.revalidate(ctx, key, fetch, ttl, options.onRevalidate)
	return Result{Data: entry.Data, FromCache: true, Stale: true}, nil
}

// NetworkFetch always goes to the network and refreshes the cache entry when
// ttl > 0.
func (o *Orchestrator) NetworkFetch(ctx context.Context, key string, fetch Fetcher, ttl time.Duration) (Result, error) {
	return o.CachedFetch(ctx, key, fetch, ttl, WithForceNetwork())
}

// Fetch is CachedFetch decoding the payload into T.
func Fetch[T any](ctx context.Context, o *Orchestrator, key string, fetch Fetcher, ttl time.Duration, opts ...Option) (T, Result, error) {
	var out T
	res, err := o.CachedFetch(ctx, key, fetch, ttl, opts...)
	if err != nil {
		return out, res, err
	}
	if len(res.Data) == 0 {
		return out, res, nil
	}
	if err := json.Unmarshal(res.Data, &out); err != nil {
		return out, res, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, res, nil
}

// InvalidateForMutation voids every pattern registered for name: matching
// in-flight fetches are detached first, then epochs are bumped, the store is
// invalidated and the patterns are broadcast. It returns the number of
// removed entries. Unknown names are a no-op.
func (o *Orchestrator) InvalidateForMutation(ctx context.Context, name string) int {
	patterns := o.rules.Patterns(name)
	if len(patterns) == 0 {
		return 0
	}

	removed := 0
	for _, pattern := range patterns {
		o.forgetMatching(pattern)
		o.epochs.Bump(pattern)

		n, err := o.store.Invalidate(ctx, pattern)
		if err != nil {
			o.logger.Warn().Err(err).Str("pattern", pattern).Msg("Cache invalidation failed")
		}
		removed += n
	}

	o.mu.Lock()
	b := o.broadcaster
	o.mu.Unlock()
	if b != nil {
		b.BroadcastInvalidation(ctx, patterns)
	}

	o.logger.Debug().
		Str("mutation", name).
		Strs("patterns", patterns).
		Int("removed", removed).
		Msg("Invalidated cache for mutation")
	return removed
}

// Wait blocks until all background revalidations have finished.
func (o *Orchestrator) Wait() {
	o.revalidations.Wait()
}

// fetchAndStore runs the de-duplicated fetch on the caller's behalf and
// reports a miss.
func (o *Orchestrator) fetchAndStore(ctx context.Context, key string, fetch Fetcher, ttl time.Duration) (Result, error) {
	o.metrics.RecordMiss()

	f, err := o.dedupFetch(ctx, key, fetch, ttl)
	if err != nil {
		return Result{}, err
	}
	return Result{Data: f.data}, nil
}

func (o *Orchestrator) revalidate(ctx context.Context, key string, fetch Fetcher, ttl time.Duration, onRevalidate func(json.RawMessage)) {
	o.metrics.RecordRevalidation()

	bg := context.WithoutCancel(ctx)
	o.revalidations.Add(1)
	go func() {
		defer o.revalidations.Done()

		f, err := o.dedupFetch(bg, key, fetch, ttl)
		if err != nil {
			o.logger.Warn().Err(err).Str("key", key).Msg("Background revalidation failed")
			return
		}
		if f.superseded {
			o.logger.Debug().Str("key", key).Msg("Revalidation superseded by invalidation")
			return
		}
		if onRevalidate != nil {
			onRevalidate(f.data)
		}
	}()
}

// dedupFetch shares one underlying fetch between concurrent callers for key.
// The fetch itself runs to completion even if ctx is cancelled; the caller
// stops waiting and gets ctx.Err().
func (o *Orchestrator) dedupFetch(ctx context.Context, key string, fetch Fetcher, ttl time.Duration) (flight, error) {
	led := false
	flightCtx := context.WithoutCancel(ctx)

	ch := o.group.DoChan(key, func() (interface{}, error) {
		led = true
		o.track(key)
		defer o.untrack(key)

		before := o.epochs.Current(key)
		data, err := fetch(flightCtx)
		if err != nil {
			return flight{}, err
		}

		f := flight{data: data}
		if o.epochs.Current(key) != before {
			f.superseded = true
			SupersededFetches.Inc()
			return f, nil
		}
		if ttl > 0 {
			if err := o.store.Set(flightCtx, key, data, ttl); err != nil {
				o.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache response")
			}
		}
		return f, nil
	})

	select {
	case res := <-ch:
		if res.Shared && !led {
			DedupJoins.Inc()
			o.logger.Debug().Str("key", key).Msg("Joined in-flight fetch")
		}
		if res.Err != nil {
			return flight{}, res.Err
		}
		return res.Val.(flight), nil
	case <-ctx.Done():
		return flight{}, ctx.Err()
	}
}

func (o *Orchestrator) track(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight[key]++
}

func (o *Orchestrator) untrack(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[key] <= 1 {
		delete(o.inflight, key)
		return
	}
	o.inflight[key]--
}

// forget detaches the in-flight fetch for key so the next caller starts a new one.
func (o *Orchestrator) forget(key string) {
	o.group.Forget(key)
}

func (o *Orchestrator) forgetMatching(pattern string) {
	o.mu.Lock()
	var keys []string
	for key := range o.inflight {
		if cache.MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	o.mu.Unlock()

	for _, key := range keys {
		o.group.Forget(key)
	}
}
