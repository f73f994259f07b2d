package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errRetriable = errors.New("connection refused")
	errTerminal  = errors.New("404 not found")
)

func isRetriable(err error) bool {
	return errors.Is(err, errRetriable)
}

func newTestMonitor(timeout time.Duration) *Monitor {
	return NewMonitor(Config{
		Name:             "test",
		FailureThreshold: 2,
		ProbeTimeout:     timeout,
		ProbeRequests:    1,
	}, isRetriable, zerolog.Nop())
}

func fail(err error) func() error {
	return func() error { return err }
}

func TestMonitor_GoesOfflineAfterRetriableFailures(t *testing.T) {
	m := newTestMonitor(time.Hour)
	ctx := context.Background()

	assert.True(t, m.Online())

	assert.ErrorIs(t, m.Execute(ctx, fail(errRetriable)), errRetriable)
	assert.True(t, m.Online())
	assert.Equal(t, uint32(1), m.State().ConsecutiveFailures)

	assert.ErrorIs(t, m.Execute(ctx, fail(errRetriable)), errRetriable)
	assert.False(t, m.Online())
	assert.Equal(t, StatusOffline, m.State().Status)
	assert.False(t, m.State().LastChange.IsZero())

	called := false
	err := m.Execute(ctx, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOffline)
	assert.False(t, called, "offline calls must not reach the network")
}

func TestMonitor_TerminalErrorsDoNotCount(t *testing.T) {
	m := newTestMonitor(time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, m.Execute(ctx, fail(errTerminal)), errTerminal)
	}
	assert.True(t, m.Online())
	assert.Equal(t, uint32(0), m.State().ConsecutiveFailures)
}

func TestMonitor_SuccessResetsFailures(t *testing.T) {
	m := newTestMonitor(time.Hour)
	ctx := context.Background()

	_ = m.Execute(ctx, fail(errRetriable))
	require.NoError(t, m.Execute(ctx, func() error { return nil }))
	_ = m.Execute(ctx, fail(errRetriable))

	assert.True(t, m.Online())
}

func TestMonitor_OnOnlineAfterRecovery(t *testing.T) {
	m := newTestMonitor(20 * time.Millisecond)
	ctx := context.Background()

	online := make(chan struct{}, 1)
	m.OnOnline(func() { online <- struct{}{} })

	_ = m.Execute(ctx, fail(errRetriable))
	_ = m.Execute(ctx, fail(errRetriable))
	require.False(t, m.Online())

	require.Eventually(t, func() bool {
		return m.State().Status == StatusProbing
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Execute(ctx, func() error { return nil }))
	assert.True(t, m.Online())
	assert.Equal(t, StatusOnline, m.State().Status)

	select {
	case <-online:
	case <-time.After(time.Second):
		t.Fatal("OnOnline listener was not called")
	}
}

func TestMonitor_CancelledContext(t *testing.T) {
	m := newTestMonitor(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Execute(ctx, func() error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewMonitor_Defaults(t *testing.T) {
	m := NewMonitor(Config{}, nil, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = m.Execute(ctx, fail(errTerminal))
	}
	assert.False(t, m.Online(), "nil classifier counts every error")
}
