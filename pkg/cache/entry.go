package cache

import (
	"encoding/json"
	"time"
)

// Entry represents a cached API response payload.
type Entry struct {
	// Data is the raw JSON payload (the "data" member of the API envelope)
	Data json.RawMessage `json:"data"`

	// FetchedAt is when the payload was received from the network
	FetchedAt time.Time `json:"fetchedAt"`

	// TTL is how long the entry stays fresh after FetchedAt
	TTL time.Duration `json:"ttl"`
}

// ExpiresAt returns the instant the entry turns stale.
func (e *Entry) ExpiresAt() time.Time {
	return e.FetchedAt.Add(e.TTL)
}

// IsFresh returns true while now < FetchedAt + TTL.
func (e *Entry) IsFresh() bool {
	return time.Now().Before(e.ExpiresAt())
}

// Age returns how long ago the entry was fetched.
func (e *Entry) Age() time.Duration {
	return time.Since(e.FetchedAt)
}

// IsFresh is the nil-safe freshness predicate.
func IsFresh(e *Entry) bool {
	return e != nil && e.IsFresh()
}
