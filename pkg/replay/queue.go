// Package replay implements the durable queue of mutations that failed with a
// retriable error and are re-issued later in submission order.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/swrcache/pkg/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StorageKey is the fixed key the queue is persisted under.
const StorageKey = "mutation-queue"

// ErrPersist is returned when the queue could not be written to durable
// storage. The in-memory queue is still updated.
var ErrPersist = errors.New("replay queue not persisted")

// Doer issues the HTTP call described by an intent.
type Doer interface {
	Do(ctx context.Context, method, path string, body json.RawMessage, headers map[string]string) (json.RawMessage, error)
}

// Invalidator voids the cache patterns of a mutation category.
type Invalidator interface {
	InvalidateForMutation(ctx context.Context, name string) int
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithInvalidator sets the invalidator run after successful replays.
func WithInvalidator(inv Invalidator) Option {
	return func(q *Queue) { q.invalidator = inv }
}

// Queue is an ordered list of failed mutations.
type Queue struct {
	backend     storage.Backend
	doer        Doer
	invalidator Invalidator
	logger      zerolog.Logger

	mu    sync.Mutex
	items []Item

	replaying atomic.Bool
}

// New creates an empty queue persisting to backend. A nil backend keeps the
// queue in memory only.
func New(backend storage.Backend, doer Doer, opts ...Option) *Queue {
	q := &Queue{
		backend: backend,
		doer:    doer,
		logger:  log.With().Str("component", "replay-queue").Logger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetInvalidator replaces the invalidator.
func (q *Queue) SetInvalidator(inv Invalidator) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.invalidator = inv
}

// Reset detaches the queue from its current backend, drops every in-memory
// item (closures included) and persists to backend from now on. Call Load to
// restore what backend holds.
func (q *Queue) Reset(backend storage.Backend) {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := len(q.items)
	q.backend = backend
	q.items = nil
	QueueLength.Set(0)

	if dropped > 0 {
		q.logger.Debug().Int("dropped", dropped).Msg("Replay queue reset")
	}
}

// Load replaces the persisted part of the queue with what is stored.
// Session-only closure items are kept; the result is ordered by QueuedAt.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	backend := q.backend
	q.mu.Unlock()

	if backend == nil {
		return nil
	}

	raw, err := backend.Get(ctx, StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load replay queue: %w", err)
	}

	var stored []Item
	if err := json.Unmarshal(raw, &stored); err != nil {
		return fmt.Errorf("decode replay queue: %w", err)
	}

	loaded := make([]Item, 0, len(stored))
	for _, item := range stored {
		if item.Intent == nil {
			continue
		}
		if err := item.Intent.Validate(); err != nil {
			q.logger.Warn().Err(err).Str("id", item.ID).Msg("Dropping unreplayable queue item")
			continue
		}
		loaded = append(loaded, item)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.backend != backend {
		// Reset while reading; the loaded items belong to another backend.
		return nil
	}

	merged := loaded
	for _, item := range q.items {
		if !item.Persistent() {
			merged = append(merged, item)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].QueuedAt.Before(merged[j].QueuedAt)
	})
	q.items = merged
	QueueLength.Set(float64(len(q.items)))

	q.logger.Info().Int("items", len(loaded)).Msg("Replay queue loaded")
	return nil
}

// EnqueueIntent appends a serializable intent and persists the queue. On
// ErrPersist the item is still queued for this session.
func (q *Queue) EnqueueIntent(ctx context.Context, intent Intent) (Item, error) {
	if err := intent.Validate(); err != nil {
		return Item{}, err
	}

	item := Item{
		ID:       uuid.NewString(),
		Label:    intent.Label,
		QueuedAt: time.Now().UTC(),
		Intent:   &intent,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, item)
	QueueLength.Set(float64(len(q.items)))

	q.logger.Info().
		Str("id", item.ID).
		Str("label", item.Label).
		Str("lock_key", intent.LockKey).
		Msg("Mutation queued for replay")

	return item, q.persistLocked(ctx)
}

// Enqueue appends a same-session closure. It is never persisted.
func (q *Queue) Enqueue(label string, execute ExecuteFunc, opts ...EnqueueOption) Item {
	item := Item{
		ID:       uuid.NewString(),
		Label:    label,
		QueuedAt: time.Now().UTC(),
		Execute:  execute,
	}
	for _, opt := range opts {
		opt(&item)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, item)
	QueueLength.Set(float64(len(q.items)))

	q.logger.Info().
		Str("id", item.ID).
		Str("label", label).
		Msg("Mutation queued for same-session replay")
	return item
}

// Dequeue removes the item with id. It reports whether an item was removed.
func (q *Queue) Dequeue(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.ID != id {
			continue
		}
		q.items = append(q.items[:i:i], q.items[i+1:]...)
		QueueLength.Set(float64(len(q.items)))
		if !item.Persistent() {
			return true, nil
		}
		return true, q.persistLocked(ctx)
	}
	return false, nil
}

// Clear empties the queue.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	QueueLength.Set(0)
	return q.persistLocked(ctx)
}

// Items returns a snapshot of the queue in submission order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsReplaying reports whether a replay pass is running.
func (q *Queue) IsReplaying() bool {
	return q.replaying.Load()
}

// Replay walks the queue once in submission order and returns the number of
// items replayed successfully. Once an item fails, later items with the same
// lock key are skipped for the rest of the pass. A call while another pass is
// running, or on an empty queue, returns 0.
func (q *Queue) Replay(ctx context.Context) (int, error) {
	if !q.replaying.CompareAndSwap(false, true) {
		q.logger.Debug().Msg("Replay already running")
		return 0, nil
	}
	defer q.replaying.Store(false)

	pending := q.Items()
	if len(pending) == 0 {
		return 0, nil
	}

	q.logger.Info().Int("items", len(pending)).Msg("Replaying queued mutations")

	failed := make(map[string]struct{})
	succeeded := 0
	var persistErr error

	for _, item := range pending {
		if err := ctx.Err(); err != nil {
			return succeeded, errors.Join(err, persistErr)
		}

		key := item.lockKey()
		if _, blocked := failed[key]; blocked {
			ReplayResults.WithLabelValues("skipped").Inc()
			q.logger.Debug().
				Str("id", item.ID).
				Str("lock_key", key).
				Msg("Skipping replay behind failed mutation")
			continue
		}

		if !q.contains(item.ID) {
			// Dequeued or reset since the pass started.
			continue
		}

		if err := q.execute(ctx, item); err != nil {
			failed[key] = struct{}{}
			ReplayResults.WithLabelValues("failure").Inc()
			q.logger.Warn().
				Err(err).
				Str("id", item.ID).
				Str("label", item.Label).
				Str("lock_key", key).
				Msg("Replay failed, keeping mutation queued")
			continue
		}

		succeeded++
		ReplayResults.WithLabelValues("success").Inc()
		if _, err := q.Dequeue(ctx, item.ID); err != nil {
			persistErr = err
		}

		if name := item.mutationKey(); name != "" {
			q.mu.Lock()
			inv := q.invalidator
			q.mu.Unlock()
			if inv != nil {
				inv.InvalidateForMutation(ctx, name)
			}
		}
	}

	q.logger.Info().
		Int("succeeded", succeeded).
		Int("remaining", q.Len()).
		Msg("Replay pass finished")

	return succeeded, persistErr
}

func (q *Queue) contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.ID == id {
			return true
		}
	}
	return false
}

func (q *Queue) execute(ctx context.Context, item Item) error {
	if item.Intent != nil {
		if q.doer == nil {
			return errors.New("no client configured for intent replay")
		}
		in := item.Intent
		_, err := q.doer.Do(ctx, in.Method, in.Path, in.Body, in.Headers)
		return err
	}
	if item.Execute == nil {
		return errors.New("queue item has neither intent nor closure")
	}
	return item.Execute(ctx)
}

// persistLocked writes the persistent items under StorageKey. q.mu must be held.
func (q *Queue) persistLocked(ctx context.Context) error {
	if q.backend == nil {
		return nil
	}

	stored := make([]Item, 0, len(q.items))
	for _, item := range q.items {
		if item.Persistent() {
			stored = append(stored, item)
		}
	}

	raw, err := json.Marshal(stored)
	if err == nil {
		err = q.backend.Set(ctx, StorageKey, raw, 0)
	}
	if err != nil {
		PersistErrors.Inc()
		q.logger.Warn().Err(err).Int("items", len(stored)).Msg("Failed to persist replay queue")
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}
