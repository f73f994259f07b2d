package prefetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/swrcache/pkg/swr"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config holds warmer configuration.
type Config struct {
	// MaxConcurrency is the maximum number of parallel fetches
	MaxConcurrency int

	// Timeout per key
	Timeout time.Duration

	// ForceNetwork refreshes every key even when a fresh entry exists
	ForceNetwork bool
}

// DefaultConfig returns the default warmer configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
	}
}

// Request is one key to warm.
type Request struct {
	Key   string
	Fetch swr.Fetcher
	TTL   time.Duration
}

// Result is the outcome for one key.
type Result struct {
	Key    string
	Result swr.Result
	Err    error
}

// Warmer fetches many keys through an Orchestrator with bounded concurrency.
type Warmer struct {
	orch   *swr.Orchestrator
	config Config
}

// NewWarmer creates a warmer.
func NewWarmer(orch *swr.Orchestrator, config Config) *Warmer {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Warmer{orch: orch, config: config}
}

// WarmAll fetches every request and returns the results keyed by cache key.
// Failed keys are left out of the map; their errors are joined into the
// returned error so callers keep partial results.
func (w *Warmer) WarmAll(ctx context.Context, requests []Request) (map[string]Result, error) {
	start := time.Now()
	results := make(map[string]Result, len(requests))
	if len(requests) == 0 {
		return results, nil
	}

	log.Info().
		Int("keys", len(requests)).
		Int("concurrency", w.config.MaxConcurrency).
		Msg("Starting cache warm-up")

	var (
		mu     sync.Mutex
		errs   []error
		warmed int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.config.MaxConcurrency)

	for _, req := range requests {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := w.warmOne(gctx, req)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				log.Warn().Err(err).Str("key", req.Key).Msg("Warm-up fetch failed")
				errs = append(errs, fmt.Errorf("%s: %w", req.Key, err))
				return nil
			}

			results[req.Key] = Result{Key: req.Key, Result: res}
			warmed++
			// Progress logging every 50 keys
			if warmed%50 == 0 {
				log.Info().
					Int("warmed", warmed).
					Int("total", len(requests)).
					Float64("progress_pct", float64(warmed)/float64(len(requests))*100).
					Msg("Warm-up progress")
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	log.Info().
		Int("warmed", warmed).
		Int("failed", len(errs)).
		Int("total", len(requests)).
		Dur("duration", time.Since(start)).
		Msg("Warm-up complete")

	if len(errs) > 0 {
		return results, fmt.Errorf("warm-up incomplete (%d/%d keys): %w", warmed, len(requests), errors.Join(errs...))
	}
	return results, nil
}

func (w *Warmer) warmOne(ctx context.Context, req Request) (swr.Result, error) {
	if req.Fetch == nil {
		return swr.Result{}, errors.New("no fetcher")
	}

	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	var opts []swr.Option
	if w.config.ForceNetwork {
		opts = append(opts, swr.WithForceNetwork())
	}
	return w.orch.CachedFetch(ctx, req.Key, req.Fetch, req.TTL, opts...)
}
