package replay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrInvalidIntent is returned when an intent lacks the fields needed to
// re-issue its request.
var ErrInvalidIntent = errors.New("invalid replay intent")

// Intent is a serializable description of a failed write, sufficient to
// re-issue the exact HTTP call after a restart.
type Intent struct {
	Label       string            `json:"label"`
	LockKey     string            `json:"lockKey"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Body        json.RawMessage   `json:"body,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	MutationKey string            `json:"mutationKey,omitempty"`
}

// Validate checks that the intent can be replayed.
func (i Intent) Validate() error {
	if strings.TrimSpace(i.Method) == "" {
		return errors.Join(ErrInvalidIntent, errors.New("method is required"))
	}
	if strings.TrimSpace(i.Path) == "" {
		return errors.Join(ErrInvalidIntent, errors.New("path is required"))
	}
	return nil
}

// ExecuteFunc is a same-session retry closure.
type ExecuteFunc func(ctx context.Context) error

// Item is one queued mutation. Items carrying an Intent are persisted; items
// carrying only Execute live for the current session.
type Item struct {
	ID       string    `json:"id"`
	Label    string    `json:"label"`
	QueuedAt time.Time `json:"queuedAt"`
	Intent   *Intent   `json:"intent,omitempty"`

	LockKey     string      `json:"-"`
	MutationKey string      `json:"-"`
	Execute     ExecuteFunc `json:"-"`
}

// Persistent reports whether the item survives a restart.
func (i Item) Persistent() bool {
	return i.Intent != nil
}

// lockKey is the ordering key used during replay. Items without one only
// order against themselves.
func (i Item) lockKey() string {
	if i.Intent != nil && i.Intent.LockKey != "" {
		return i.Intent.LockKey
	}
	if i.LockKey != "" {
		return i.LockKey
	}
	return i.ID
}

func (i Item) mutationKey() string {
	if i.Intent != nil {
		return i.Intent.MutationKey
	}
	return i.MutationKey
}

// EnqueueOption configures a closure item.
type EnqueueOption func(*Item)

// WithLockKey orders the closure against other items sharing key.
func WithLockKey(key string) EnqueueOption {
	return func(i *Item) { i.LockKey = key }
}

// WithMutationKey invalidates the named mutation category after a successful replay.
func WithMutationKey(key string) EnqueueOption {
	return func(i *Item) { i.MutationKey = key }
}
