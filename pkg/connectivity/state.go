// Package connectivity tracks whether the remote API is reachable. A circuit
// breaker counts retriable failures; while it is open, calls fail fast with
// ErrOffline and the client is considered offline.
package connectivity

import (
	"time"

	"github.com/sony/gobreaker"
)

// Status is the reachability of the remote API.
type Status string

const (
	// StatusOnline means requests flow normally.
	StatusOnline Status = "online"

	// StatusOffline means recent requests failed and new ones fail fast.
	StatusOffline Status = "offline"

	// StatusProbing means a limited number of trial requests decide whether
	// the API is back.
	StatusProbing Status = "probing"
)

func statusFor(s gobreaker.State) Status {
	switch s {
	case gobreaker.StateOpen:
		return StatusOffline
	case gobreaker.StateHalfOpen:
		return StatusProbing
	default:
		return StatusOnline
	}
}

// State is a point-in-time view of the monitor.
type State struct {
	// Status is the current reachability.
	Status Status `json:"status"`

	// ConsecutiveFailures counts retriable failures since the last success.
	ConsecutiveFailures uint32 `json:"consecutive_failures"`

	// Requests counts requests in the current breaker window.
	Requests uint32 `json:"requests"`

	// LastChange is when Status last changed. Zero if it never changed.
	LastChange time.Time `json:"last_change"`
}

// Online reports whether requests are allowed to reach the network. Probing
// counts as online.
func (s State) Online() bool {
	return s.Status != StatusOffline
}

// Since returns how long the current status has lasted. Returns 0 if the
// status never changed.
func (s State) Since() time.Duration {
	if s.LastChange.IsZero() {
		return 0
	}
	return time.Since(s.LastChange)
}
