package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Sternrassler/swrcache/pkg/cache"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TypeInvalidate is the only message type.
const TypeInvalidate = "invalidate"

// ChannelPrefix prefixes every per-scope channel name.
const ChannelPrefix = "swr-cache:"

// BroadcastMessages tracks broadcast traffic by direction.
var BroadcastMessages = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "swr_broadcast_messages_total",
		Help: "Total number of broadcast messages by direction",
	},
	[]string{"direction"}, // "sent", "received", "ignored", "failed"
)

// Message is the wire format of a broadcast.
type Message struct {
	Type     string   `json:"type"`
	Patterns []string `json:"patterns"`
	Scope    string   `json:"scope"`

	// Origin identifies the sending instance so it can skip its own echo.
	Origin string `json:"origin,omitempty"`
}

// ChannelName returns the channel used for scope.
func ChannelName(scope string) string {
	return ChannelPrefix + scope
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets the broadcaster logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Broadcaster) { b.logger = logger }
}

// Broadcaster sends local invalidations to the other instances of the same
// user and applies theirs to the local store. Received messages are never
// forwarded.
type Broadcaster struct {
	transport Transport
	store     *cache.Store
	epochs    *cache.Epochs
	origin    string
	logger    zerolog.Logger

	mu    sync.RWMutex
	scope string
	sub   Subscription
}

// New creates a closed broadcaster. store and epochs receive remote
// invalidations.
func New(transport Transport, store *cache.Store, epochs *cache.Epochs, opts ...Option) *Broadcaster {
	if transport == nil {
		panic("broadcast transport cannot be nil")
	}
	b := &Broadcaster{
		transport: transport,
		store:     store,
		epochs:    epochs,
		origin:    uuid.NewString(),
		logger:    log.With().Str("component", "broadcast").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Origin returns the id this instance stamps on its messages.
func (b *Broadcaster) Origin() string {
	return b.origin
}

// Open subscribes to userID's channel, closing a channel of another scope
// first. Reopening the current scope is a no-op.
func (b *Broadcaster) Open(ctx context.Context, userID string) error {
	scope := cache.ScopeFor(userID)
	if scope == "" {
		return cache.ErrInvalidUser
	}

	b.mu.RLock()
	same := b.sub != nil && b.scope == scope
	b.mu.RUnlock()
	if same {
		return nil
	}

	if err := b.Close(); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to close previous broadcast channel")
	}

	sub, err := b.transport.Subscribe(ctx, ChannelName(scope), b.receive)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.scope = scope
	b.sub = sub
	b.mu.Unlock()

	b.logger.Info().Str("scope", scope).Msg("Broadcast channel opened")
	return nil
}

// Close unsubscribes. It is safe to call on a closed broadcaster.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	sub, scope := b.sub, b.scope
	b.sub, b.scope = nil, ""
	b.mu.Unlock()

	if sub == nil {
		return nil
	}
	// Outside the lock: closing may wait for a delivery that calls Scope.
	err := sub.Close()
	b.logger.Info().Str("scope", scope).Msg("Broadcast channel closed")
	return err
}

// Scope returns the open scope, or "" when closed.
func (b *Broadcaster) Scope() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scope
}

// BroadcastInvalidation sends patterns to the other instances. It is a no-op
// while closed and never fails.
func (b *Broadcaster) BroadcastInvalidation(ctx context.Context, patterns []string) {
	if len(patterns) == 0 {
		return
	}

	scope := b.Scope()
	if scope == "" {
		return
	}

	payload, err := json.Marshal(Message{
		Type:     TypeInvalidate,
		Patterns: patterns,
		Scope:    scope,
		Origin:   b.origin,
	})
	if err != nil {
		BroadcastMessages.WithLabelValues("failed").Inc()
		return
	}

	if err := b.transport.Publish(ctx, ChannelName(scope), payload); err != nil {
		BroadcastMessages.WithLabelValues("failed").Inc()
		b.logger.Warn().Err(err).Strs("patterns", patterns).Msg("Broadcast failed")
		return
	}
	BroadcastMessages.WithLabelValues("sent").Inc()
}

// receive applies an invalidation from another instance: epochs are bumped
// first so in-flight reads for the keys become superseded, then the local
// store is invalidated.
func (b *Broadcaster) receive(payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		BroadcastMessages.WithLabelValues("ignored").Inc()
		b.logger.Debug().Err(err).Msg("Ignoring malformed broadcast")
		return
	}

	scope := b.Scope()
	if msg.Type != TypeInvalidate || scope == "" || msg.Scope != scope || msg.Origin == b.origin {
		BroadcastMessages.WithLabelValues("ignored").Inc()
		return
	}

	BroadcastMessages.WithLabelValues("received").Inc()
	ctx := context.Background()
	for _, pattern := range msg.Patterns {
		if b.epochs != nil {
			b.epochs.Bump(pattern)
		}
		if b.store == nil {
			continue
		}
		if _, err := b.store.Invalidate(ctx, pattern); err != nil {
			b.logger.Warn().Err(err).Str("pattern", pattern).Msg("Remote invalidation failed")
		}
	}

	b.logger.Debug().
		Str("origin", msg.Origin).
		Strs("patterns", msg.Patterns).
		Msg("Applied remote invalidation")
}
