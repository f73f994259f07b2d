// Package mutation serializes writes that share a logical resource and routes
// their outcome to cache invalidation or the replay queue.
package mutation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Sternrassler/swrcache/pkg/client"
	"github.com/Sternrassler/swrcache/pkg/replay"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrLockKeyRequired is returned for a mutation without a lock key.
var ErrLockKeyRequired = errors.New("mutation lock key is required")

// Invalidator voids the cache patterns of a mutation category.
type Invalidator interface {
	InvalidateForMutation(ctx context.Context, name string) int
}

// Queue receives mutations that failed with a retriable error.
type Queue interface {
	EnqueueIntent(ctx context.Context, intent replay.Intent) (replay.Item, error)
	Enqueue(label string, execute replay.ExecuteFunc, opts ...replay.EnqueueOption) replay.Item
}

// Mutation describes one write.
type Mutation[T any] struct {
	// Label is a human readable description used in logs and the queue.
	Label string

	// LockKey names the resource. Mutations sharing it run one at a time in
	// submission order.
	LockKey string

	// Mutate performs the write.
	Mutate func(ctx context.Context) (T, error)

	// MutationKey selects the invalidation rule applied on success.
	MutationKey string

	// QueueOnNetworkError queues the mutation for replay after a retriable failure.
	QueueOnNetworkError bool

	// ReplayIntent is queued instead of a same-session closure when set.
	ReplayIntent *replay.Intent
}

// Deps are the collaborators of a Coordinator. All are optional.
type Deps struct {
	Invalidator Invalidator
	Queue       Queue

	// IsRetriable classifies failures. Defaults to client.IsRetriable.
	IsRetriable func(error) bool

	Logger *zerolog.Logger
}

// chain orders the holders and waiters of one lock key. tail is closed when
// the most recently queued operation releases.
type chain struct {
	tail    chan struct{}
	pending int
}

// Coordinator hands out per-key lock chains.
type Coordinator struct {
	invalidator Invalidator
	queue       Queue
	isRetriable func(error) bool
	logger      zerolog.Logger

	mu     sync.Mutex
	chains map[string]*chain
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(deps Deps) *Coordinator {
	c := &Coordinator{
		invalidator: deps.Invalidator,
		queue:       deps.Queue,
		isRetriable: deps.IsRetriable,
		chains:      make(map[string]*chain),
	}
	if c.isRetriable == nil {
		c.isRetriable = client.IsRetriable
	}
	if deps.Logger != nil {
		c.logger = *deps.Logger
	} else {
		c.logger = log.With().Str("component", "mutation").Logger()
	}
	return c
}

// Pending returns how many operations hold or wait for lockKey.
func (c *Coordinator) Pending(lockKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.chains[lockKey]; ok {
		return ch.pending
	}
	return 0
}

// Lock waits for every earlier operation on lockKey to finish and returns
// the release function. A waiter whose ctx ends returns ctx.Err(); its slot
// in the chain is released as soon as its predecessor finishes so later
// waiters keep their order.
func (c *Coordinator) Lock(ctx context.Context, lockKey string) (func(), error) {
	if lockKey == "" {
		return nil, ErrLockKeyRequired
	}

	c.mu.Lock()
	ch, ok := c.chains[lockKey]
	if !ok {
		ch = &chain{}
		c.chains[lockKey] = ch
	}
	prev := ch.tail
	done := make(chan struct{})
	ch.tail = done
	ch.pending++
	c.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(done)
			c.mu.Lock()
			defer c.mu.Unlock()
			ch.pending--
			if ch.pending == 0 && c.chains[lockKey] == ch {
				delete(c.chains, lockKey)
			}
		})
	}

	if prev == nil {
		return release, nil
	}

	select {
	case <-prev:
		return release, nil
	default:
	}

	c.logger.Debug().Str("lock_key", lockKey).Msg("Waiting for earlier mutation")
	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}

// Run executes m.Mutate under m.LockKey. On success the MutationKey rule is
// invalidated. On a retriable failure with QueueOnNetworkError set the
// mutation is queued for replay. The original error is returned either way.
func Run[T any](ctx context.Context, c *Coordinator, m Mutation[T]) (T, error) {
	var zero T

	started := time.Now()
	release, err := c.Lock(ctx, m.LockKey)
	if err != nil {
		MutationsTotal.WithLabelValues("cancelled").Inc()
		return zero, err
	}
	defer release()
	LockWait.Observe(time.Since(started).Seconds())

	result, err := m.Mutate(ctx)
	if err == nil {
		MutationsTotal.WithLabelValues("success").Inc()
		if m.MutationKey != "" && c.invalidator != nil {
			c.invalidator.InvalidateForMutation(ctx, m.MutationKey)
		}
		c.logger.Debug().Str("label", m.Label).Str("lock_key", m.LockKey).Msg("Mutation succeeded")
		return result, nil
	}

	if !c.isRetriable(err) || !m.QueueOnNetworkError || c.queue == nil {
		MutationsTotal.WithLabelValues("failure").Inc()
		return result, err
	}

	MutationsTotal.WithLabelValues("queued").Inc()
	c.logger.Warn().
		Err(err).
		Str("label", m.Label).
		Str("lock_key", m.LockKey).
		Msg("Mutation failed with retriable error, queued for replay")

	if m.ReplayIntent != nil {
		intent := *m.ReplayIntent
		if intent.Label == "" {
			intent.Label = m.Label
		}
		if intent.LockKey == "" {
			intent.LockKey = m.LockKey
		}
		if intent.MutationKey == "" {
			intent.MutationKey = m.MutationKey
		}
		if _, qerr := c.queue.EnqueueIntent(ctx, intent); qerr != nil && !errors.Is(qerr, replay.ErrPersist) {
			c.logger.Error().Err(qerr).Str("label", m.Label).Msg("Failed to queue replay intent")
		}
		return result, err
	}

	mutate := m.Mutate
	lockKey := m.LockKey
	c.queue.Enqueue(m.Label, func(ctx context.Context) error {
		release, err := c.Lock(ctx, lockKey)
		if err != nil {
			return err
		}
		defer release()
		_, err = mutate(ctx)
		return err
	}, replay.WithLockKey(m.LockKey), replay.WithMutationKey(m.MutationKey))

	return result, err
}
