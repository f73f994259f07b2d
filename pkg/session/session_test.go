package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/swrcache/pkg/broadcast"
	"github.com/Sternrassler/swrcache/pkg/cache"
	"github.com/Sternrassler/swrcache/pkg/replay"
	"github.com/Sternrassler/swrcache/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDoer struct {
	mu    sync.Mutex
	calls []string
}

func (d *recordingDoer) Do(ctx context.Context, method, path string, body json.RawMessage, headers map[string]string) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, method+" "+path)
	return json.RawMessage(`{}`), nil
}

func (d *recordingDoer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func newLocal(t *testing.T) storage.Backend {
	t.Helper()
	b, err := storage.OpenBadger(storage.BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func newTestSession(t *testing.T, deps Deps) *Session {
	t.Helper()
	logger := zerolog.Nop()
	if deps.Opener == nil {
		deps.Opener = storage.BadgerOpener("", true)
	}
	deps.Logger = &logger

	cfg := DefaultConfig()
	cfg.Scheduler = replay.SchedulerConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, BackoffMultiplier: 2}

	s, err := New(deps, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func staticFetch(body string) func(ctx context.Context) (json.RawMessage, error) {
	return func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(body), nil
	}
}

func TestNew_RequiresOpener(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig())
	assert.Error(t, err)
}

func TestSignIn_InvalidUser(t *testing.T) {
	s := newTestSession(t, Deps{})
	assert.ErrorIs(t, s.SignIn(context.Background(), "  "), cache.ErrInvalidUser)
	assert.Empty(t, s.UserID())
}

func TestSignInSignOut(t *testing.T) {
	s := newTestSession(t, Deps{Local: newLocal(t)})
	ctx := context.Background()

	require.NoError(t, s.SignIn(ctx, "alice"))
	assert.Equal(t, "alice", s.UserID())
	assert.True(t, s.Store().IsOpen())

	_, err := s.Orchestrator().CachedFetch(ctx, "settings", staticFetch(`{"theme":"dark"}`), time.Minute)
	require.NoError(t, err)
	res, err := s.Orchestrator().CachedFetch(ctx, "settings", staticFetch(`{}`), time.Minute)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, int64(1), s.Metrics().Hits)

	s.scheduler.Stop()
	s.Queue().Enqueue("ad-hoc", func(ctx context.Context) error { return nil })
	require.Equal(t, 1, s.Queue().Len())

	require.NoError(t, s.SignOut(ctx))
	assert.Empty(t, s.UserID())
	assert.False(t, s.Store().IsOpen())
	assert.Equal(t, 0, s.Queue().Len())
	assert.Equal(t, cache.MetricsSnapshot{}, s.Metrics())

	// Signing out twice is harmless.
	assert.NoError(t, s.SignOut(ctx))
}

func TestSignIn_SameUserIsNoop(t *testing.T) {
	s := newTestSession(t, Deps{})
	ctx := context.Background()

	require.NoError(t, s.SignIn(ctx, "alice"))
	_, err := s.Orchestrator().CachedFetch(ctx, "settings", staticFetch(`1`), time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.SignIn(ctx, "alice"))
	_, ok := s.Store().Get(ctx, "settings")
	assert.True(t, ok, "re-signing in must keep the open scope")
}

func TestSignIn_SwitchUser(t *testing.T) {
	s := newTestSession(t, Deps{})
	ctx := context.Background()

	require.NoError(t, s.SignIn(ctx, "alice"))
	aliceScope := s.Store().Scope()

	require.NoError(t, s.SignIn(ctx, "bob"))
	assert.Equal(t, "bob", s.UserID())
	assert.NotEqual(t, aliceScope, s.Store().Scope())
}

func TestSignIn_ReplaysPersistedQueue(t *testing.T) {
	local := newLocal(t)
	ctx := context.Background()

	first := newTestSession(t, Deps{Local: local})
	require.NoError(t, first.SignIn(ctx, "alice"))
	first.scheduler.Stop()
	_, err := first.Queue().EnqueueIntent(ctx, replay.Intent{
		Label:       "rename officer",
		LockKey:     "officer:1",
		Method:      "PUT",
		Path:        "/officers/1",
		Body:        json.RawMessage(`{"name":"Kirk"}`),
		MutationKey: "officer-overlay",
	})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	doer := &recordingDoer{}
	second := newTestSession(t, Deps{Local: local, Doer: doer})
	require.NoError(t, second.SignIn(ctx, "alice"))

	require.Eventually(t, func() bool { return doer.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return second.Queue().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"PUT /officers/1"}, doer.calls)
}

func TestSignIn_SwitchUserKeepsQueuesApart(t *testing.T) {
	local := newLocal(t)
	doer := &recordingDoer{}
	s := newTestSession(t, Deps{Local: local, Doer: doer})
	ctx := context.Background()

	require.NoError(t, s.SignIn(ctx, "alice"))
	s.scheduler.Stop()
	_, err := s.Queue().EnqueueIntent(ctx, replay.Intent{
		Label:   "rename officer",
		LockKey: "officer:1",
		Method:  "PUT",
		Path:    "/officers/1",
		Body:    json.RawMessage(`{"name":"Kirk"}`),
	})
	require.NoError(t, err)
	var closureRuns atomic.Int32
	s.Queue().Enqueue("ad-hoc", func(ctx context.Context) error {
		closureRuns.Add(1)
		return nil
	})
	require.Equal(t, 2, s.Queue().Len())

	require.NoError(t, s.SignIn(ctx, "bob"))
	assert.Equal(t, 0, s.Queue().Len(), "bob must not see alice's queue")
	n, err := s.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, doer.count(), "alice's mutation must not run as bob")

	require.NoError(t, s.SignIn(ctx, "alice"))
	require.Eventually(t, func() bool { return doer.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Queue().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), closureRuns.Load(), "session-only items are dropped on switch")
}

func TestSignIn_FailedSwitchLeavesNoUser(t *testing.T) {
	inner := storage.BadgerOpener("", true)
	opener := func(ctx context.Context, scope string) (storage.Backend, error) {
		if scope == cache.ScopeFor("bob") {
			return nil, errors.New("disk full")
		}
		return inner(ctx, scope)
	}
	s := newTestSession(t, Deps{Opener: opener})
	ctx := context.Background()

	require.NoError(t, s.SignIn(ctx, "alice"))
	require.Error(t, s.SignIn(ctx, "bob"))
	assert.Empty(t, s.UserID())
	assert.False(t, s.Store().IsOpen())

	_, err := s.Replay(ctx)
	assert.ErrorIs(t, err, ErrNotSignedIn)

	require.NoError(t, s.SignIn(ctx, "alice"))
	assert.Equal(t, "alice", s.UserID())
	assert.True(t, s.Store().IsOpen())
}

func TestManualReplay(t *testing.T) {
	local := newLocal(t)
	logger := zerolog.Nop()
	ctx := context.Background()

	first := newTestSession(t, Deps{Local: local})
	require.NoError(t, first.SignIn(ctx, "alice"))
	first.scheduler.Stop()
	_, err := first.Queue().EnqueueIntent(ctx, replay.Intent{Label: "x", LockKey: "k", Method: "POST", Path: "/x"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	doer := &recordingDoer{}
	cfg := DefaultConfig()
	cfg.ManualReplay = true
	s, err := New(Deps{Opener: storage.BadgerOpener("", true), Local: local, Doer: doer, Logger: &logger}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.SignIn(ctx, "alice"))
	assert.Equal(t, 1, s.Queue().Len())
	assert.Never(t, func() bool { return doer.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	n, err := s.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, s.Queue().Len())
}

func TestReplay_RequiresUser(t *testing.T) {
	s := newTestSession(t, Deps{})
	_, err := s.Replay(context.Background())
	assert.ErrorIs(t, err, ErrNotSignedIn)
}

func TestBroadcast_InvalidatesOtherInstance(t *testing.T) {
	hub := broadcast.NewMemoryHub()
	ctx := context.Background()

	a := newTestSession(t, Deps{Transport: hub})
	b := newTestSession(t, Deps{Transport: hub})
	require.NoError(t, a.SignIn(ctx, "alice"))
	require.NoError(t, b.SignIn(ctx, "alice"))

	_, err := b.Orchestrator().CachedFetch(ctx, "catalog:officers:merged", staticFetch(`[1]`), time.Minute)
	require.NoError(t, err)
	_, ok := b.Store().Get(ctx, "catalog:officers:merged")
	require.True(t, ok)

	a.Orchestrator().InvalidateForMutation(ctx, "officer-overlay")

	_, ok = b.Store().Get(ctx, "catalog:officers:merged")
	assert.False(t, ok, "remote invalidation must reach the other instance")
}

func TestCustomRules(t *testing.T) {
	logger := zerolog.Nop()
	cfg := DefaultConfig()
	cfg.Rules = map[string][]string{"profile": {"profile*"}}

	s, err := New(Deps{Opener: storage.BadgerOpener("", true), Logger: &logger}, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"profile*"}, s.Orchestrator().Patterns("profile"))
	assert.NotEmpty(t, s.Orchestrator().Patterns("officer-overlay"))
}
