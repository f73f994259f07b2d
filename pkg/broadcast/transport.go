// Package broadcast propagates cache invalidations between client instances
// of the same user. Delivery is best effort: every failure is logged and
// swallowed, and consistency between instances is eventual.
package broadcast

import (
	"context"
	"errors"
	"sync"
)

// ErrTransportClosed is returned by a closed transport.
var ErrTransportClosed = errors.New("broadcast transport closed")

// Subscription is an active channel subscription.
type Subscription interface {
	Close() error
}

// Transport moves raw messages between subscribers of a named channel.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (Subscription, error)
}

// MemoryHub is an in-process Transport. Publish delivers synchronously to
// every subscriber of the channel, including the publisher's own.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	hub     *MemoryHub
	channel string
	handler func([]byte)
}

func (s *memorySub) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if subs, ok := s.hub.subs[s.channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.hub.subs, s.channel)
		}
	}
	return nil
}

// Publish implements Transport.
func (h *MemoryHub) Publish(ctx context.Context, channel string, payload []byte) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrTransportClosed
	}
	handlers := make([]func([]byte), 0, len(h.subs[channel]))
	for sub := range h.subs[channel] {
		handlers = append(handlers, sub.handler)
	}
	h.mu.RUnlock()

	for _, handler := range handlers {
		msg := make([]byte, len(payload))
		copy(msg, payload)
		handler(msg)
	}
	return nil
}

// Subscribe implements Transport.
func (h *MemoryHub) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrTransportClosed
	}

	sub := &memorySub{hub: h, channel: channel, handler: handler}
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*memorySub]struct{})
	}
	h.subs[channel][sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of subscriptions on channel.
func (h *MemoryHub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Close drops every subscription. Later calls fail with ErrTransportClosed.
func (h *MemoryHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.subs = make(map[string]map[*memorySub]struct{})
	return nil
}
