package replay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/swrcache/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDoer fails every request whose path is in fail and records the rest.
type fakeDoer struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
}

func (d *fakeDoer) Do(ctx context.Context, method, path string, body json.RawMessage, headers map[string]string) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, method+" "+path)
	if d.fail[path] {
		return nil, errors.New("503 service unavailable")
	}
	return json.RawMessage(`{}`), nil
}

func (d *fakeDoer) called() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type recordingInvalidator struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingInvalidator) InvalidateForMutation(ctx context.Context, name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	return 0
}

// failingBackend rejects every write.
type failingBackend struct {
	storage.Backend
}

func (f failingBackend) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	return errors.New("quota exceeded")
}

func newBackend(t *testing.T) storage.Backend {
	t.Helper()
	b, err := storage.OpenBadger(storage.BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return storage.NewNamespaced(b, "local")
}

func intent(label, lockKey, path string) Intent {
	return Intent{Label: label, LockKey: lockKey, Method: "PUT", Path: path, Body: json.RawMessage(`{"x":1}`)}
}

func TestQueue_ReplayIsolation(t *testing.T) {
	ctx := context.Background()
	doer := &fakeDoer{fail: map[string]bool{"/a": true}}
	q := New(newBackend(t), doer, WithLogger(zerolog.Nop()))

	a, err := q.EnqueueIntent(ctx, intent("A", "x", "/a"))
	require.NoError(t, err)
	_, err = q.EnqueueIntent(ctx, intent("B", "y", "/b"))
	require.NoError(t, err)
	c, err := q.EnqueueIntent(ctx, intent("C", "x", "/c"))
	require.NoError(t, err)

	n, err := q.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	items := q.Items()
	require.Len(t, items, 2)
	assert.Equal(t, a.ID, items[0].ID)
	assert.Equal(t, c.ID, items[1].ID)

	// C would succeed but must not run ahead of A.
	assert.Equal(t, []string{"PUT /a", "PUT /b"}, doer.called())
}

func TestQueue_ReplayInvalidatesOnSuccess(t *testing.T) {
	ctx := context.Background()
	inv := &recordingInvalidator{}
	q := New(nil, &fakeDoer{}, WithLogger(zerolog.Nop()), WithInvalidator(inv))

	in := intent("officer", "officer:1", "/officers/1")
	in.MutationKey = "officer-overlay"
	_, err := q.EnqueueIntent(ctx, in)
	require.NoError(t, err)
	q.Enqueue("closure", func(ctx context.Context) error { return nil }, WithMutationKey("ship-overlay"))

	n, err := q.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, []string{"officer-overlay", "ship-overlay"}, inv.names)
}

func TestQueue_PersistsIntentsOnly(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	q := New(backend, &fakeDoer{}, WithLogger(zerolog.Nop()))

	stored, err := q.EnqueueIntent(ctx, intent("A", "x", "/a"))
	require.NoError(t, err)
	q.Enqueue("closure", func(ctx context.Context) error { return nil })
	assert.Equal(t, 2, q.Len())

	reloaded := New(backend, &fakeDoer{}, WithLogger(zerolog.Nop()))
	require.NoError(t, reloaded.Load(ctx))

	items := reloaded.Items()
	require.Len(t, items, 1)
	assert.Equal(t, stored.ID, items[0].ID)
	assert.Equal(t, "A", items[0].Label)
	require.NotNil(t, items[0].Intent)
	assert.Equal(t, "/a", items[0].Intent.Path)
	assert.JSONEq(t, `{"x":1}`, string(items[0].Intent.Body))

	raw, err := backend.Get(ctx, StorageKey)
	require.NoError(t, err)
	var wire []map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	require.Len(t, wire, 1)
	assert.ElementsMatch(t, []string{"id", "label", "queuedAt", "intent"}, keys(wire[0]))
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestQueue_LoadKeepsClosures(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)

	writer := New(backend, nil, WithLogger(zerolog.Nop()))
	_, err := writer.EnqueueIntent(ctx, intent("A", "x", "/a"))
	require.NoError(t, err)

	q := New(backend, nil, WithLogger(zerolog.Nop()))
	q.Enqueue("closure", func(ctx context.Context) error { return nil })
	require.NoError(t, q.Load(ctx))

	items := q.Items()
	require.Len(t, items, 2)
	assert.True(t, items[0].Persistent())
	assert.False(t, items[1].Persistent())
}

func TestQueue_LoadMergesBySubmissionTime(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)

	q := New(backend, nil, WithLogger(zerolog.Nop()))
	q.Enqueue("closure", func(ctx context.Context) error { return nil }, WithLockKey("x"))
	time.Sleep(2 * time.Millisecond)

	writer := New(backend, nil, WithLogger(zerolog.Nop()))
	_, err := writer.EnqueueIntent(ctx, intent("A", "x", "/a"))
	require.NoError(t, err)

	require.NoError(t, q.Load(ctx))

	items := q.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "closure", items[0].Label)
	assert.Equal(t, "A", items[1].Label)
}

func TestQueue_ResetSwitchesBackend(t *testing.T) {
	ctx := context.Background()
	first, second := newBackend(t), newBackend(t)

	q := New(first, nil, WithLogger(zerolog.Nop()))
	_, err := q.EnqueueIntent(ctx, intent("A", "x", "/a"))
	require.NoError(t, err)
	q.Enqueue("closure", func(ctx context.Context) error { return nil })

	q.Reset(second)
	assert.Equal(t, 0, q.Len(), "reset drops in-memory items")
	require.NoError(t, q.Load(ctx))
	assert.Equal(t, 0, q.Len(), "second backend holds nothing")

	_, err = q.EnqueueIntent(ctx, intent("B", "y", "/b"))
	require.NoError(t, err)

	q.Reset(first)
	require.NoError(t, q.Load(ctx))
	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "A", items[0].Label)
}

func TestQueue_ReplaySkipsItemsDroppedMidPass(t *testing.T) {
	ctx := context.Background()
	q := New(nil, nil, WithLogger(zerolog.Nop()))

	var ranSecond bool
	q.Enqueue("first", func(ctx context.Context) error {
		q.Reset(nil)
		return nil
	})
	q.Enqueue("second", func(ctx context.Context) error {
		ranSecond = true
		return nil
	})

	n, err := q.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, ranSecond, "items dropped by Reset must not run")
}

func TestQueue_LoadEmptyAndCorrupt(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	q := New(backend, nil, WithLogger(zerolog.Nop()))

	require.NoError(t, q.Load(ctx))
	assert.Equal(t, 0, q.Len())

	require.NoError(t, backend.Set(ctx, StorageKey, []byte("not json"), 0))
	assert.Error(t, q.Load(ctx))
}

func TestQueue_DequeueAndClear(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	q := New(backend, nil, WithLogger(zerolog.Nop()))

	a, err := q.EnqueueIntent(ctx, intent("A", "x", "/a"))
	require.NoError(t, err)
	_, err = q.EnqueueIntent(ctx, intent("B", "y", "/b"))
	require.NoError(t, err)

	removed, err := q.Dequeue(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = q.Dequeue(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, removed)

	reloaded := New(backend, nil, WithLogger(zerolog.Nop()))
	require.NoError(t, reloaded.Load(ctx))
	require.Len(t, reloaded.Items(), 1)
	assert.Equal(t, "B", reloaded.Items()[0].Label)

	require.NoError(t, q.Clear(ctx))
	assert.Equal(t, 0, q.Len())
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, 0, reloaded.Len())
}

func TestQueue_EnqueueIntentValidates(t *testing.T) {
	q := New(nil, nil, WithLogger(zerolog.Nop()))

	_, err := q.EnqueueIntent(context.Background(), Intent{Label: "x", Path: "/a"})
	assert.ErrorIs(t, err, ErrInvalidIntent)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_PersistFailureKeepsItem(t *testing.T) {
	ctx := context.Background()
	q := New(failingBackend{newBackend(t)}, &fakeDoer{}, WithLogger(zerolog.Nop()))

	item, err := q.EnqueueIntent(ctx, intent("A", "x", "/a"))
	assert.ErrorIs(t, err, ErrPersist)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, 1, q.Len(), "item stays queued for this session")

	n, err := q.Replay(ctx)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, ErrPersist)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_ReplayEmpty(t *testing.T) {
	q := New(nil, nil, WithLogger(zerolog.Nop()))
	n, err := q.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQueue_ConcurrentReplayIsNoop(t *testing.T) {
	ctx := context.Background()
	q := New(nil, nil, WithLogger(zerolog.Nop()))

	started := make(chan struct{})
	release := make(chan struct{})
	q.Enqueue("slow", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})

	result := make(chan int, 1)
	go func() {
		n, _ := q.Replay(ctx)
		result <- n
	}()

	<-started
	assert.True(t, q.IsReplaying())
	n, err := q.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	close(release)
	assert.Equal(t, 1, <-result)
	assert.False(t, q.IsReplaying())
}

func TestQueue_ClosureWithoutLockKeyDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	q := New(nil, nil, WithLogger(zerolog.Nop()))

	q.Enqueue("fails", func(ctx context.Context) error { return errors.New("offline") })
	q.Enqueue("works", func(ctx context.Context) error { return nil })
	q.Enqueue("fails-locked", func(ctx context.Context) error { return errors.New("offline") }, WithLockKey("k"))
	q.Enqueue("blocked", func(ctx context.Context) error { return nil }, WithLockKey("k"))

	n, err := q.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var labels []string
	for _, item := range q.Items() {
		labels = append(labels, item.Label)
	}
	assert.Equal(t, []string{"fails", "fails-locked", "blocked"}, labels)
}
