package storage

import (
	"context"
	"time"
)

// Namespaced is a view of a Backend where every key carries a fixed prefix.
// Several namespaces can share one physical backend. Close and Drop only
// affect the namespace; the inner backend stays open.
type Namespaced struct {
	inner  Backend
	prefix string
}

var _ Backend = (*Namespaced)(nil)

// NewNamespaced returns a view of inner scoped under namespace + ":".
func NewNamespaced(inner Backend, namespace string) *Namespaced {
	return &Namespaced{
		inner:  inner,
		prefix: namespace + ":",
	}
}

// Get implements Backend.
func (n *Namespaced) Get(ctx context.Context, key string) ([]byte, error) {
	return n.inner.Get(ctx, n.prefix+key)
}

// Set implements Backend.
func (n *Namespaced) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	return n.inner.Set(ctx, n.prefix+key, value, expiry)
}

// Delete implements Backend.
func (n *Namespaced) Delete(ctx context.Context, key string) error {
	return n.inner.Delete(ctx, n.prefix+key)
}

// DeletePrefix implements Backend.
func (n *Namespaced) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	return n.inner.DeletePrefix(ctx, n.prefix+prefix)
}

// Scan implements Backend. Keys passed to fn have the namespace stripped.
func (n *Namespaced) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	return n.inner.Scan(ctx, n.prefix+prefix, func(key string, value []byte) error {
		return fn(key[len(n.prefix):], value)
	})
}

// Close implements Backend. The inner backend is left open.
func (n *Namespaced) Close() error {
	return nil
}

// Drop implements Backend by deleting the namespace's keys.
func (n *Namespaced) Drop(ctx context.Context) error {
	_, err := n.inner.DeletePrefix(ctx, n.prefix)
	return err
}
