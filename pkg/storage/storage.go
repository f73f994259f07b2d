// Package storage provides the durable key-value backends underneath the
// cache store and the replay queue.
//
// Two backends are available:
//
//   - BadgerBackend: an embedded on-disk (or in-memory) database, one per
//     user scope. This is the local-first default.
//   - RedisBackend: a key prefix inside a shared Redis instance, useful when
//     several client processes on one host should share a cache.
//
// Both implement Backend. Namespaced adds a key prefix on top of any Backend.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrClosed is returned when operating on a closed backend.
	ErrClosed = errors.New("storage closed")
)

// Backend is a durable byte-oriented key-value store.
type Backend interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set upserts a value. An expiry of 0 keeps the value until deleted.
	Set(ctx context.Context, key string, value []byte, expiry time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key starting with prefix and returns the count.
	// An empty prefix removes everything.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// Scan calls fn for every key starting with prefix. Returning an error
	// from fn stops the scan and is returned unchanged.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error

	// Close detaches from the backend without deleting data.
	Close() error

	// Drop deletes all data owned by the backend and closes it.
	Drop(ctx context.Context) error
}

// Opener opens the backend for a user scope. The scope is already sanitized.
type Opener func(ctx context.Context, scope string) (Backend, error)
