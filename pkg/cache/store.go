package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/swrcache/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultPurgeGrace is how long past expiry a stale entry is kept around for
// stale-while-revalidate before housekeeping removes it.
const DefaultPurgeGrace = 24 * time.Hour

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrInvalidUser is returned by Open for an empty user id
	ErrInvalidUser = errors.New("user id is required")
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPurgeGrace overrides DefaultPurgeGrace.
func WithPurgeGrace(d time.Duration) StoreOption {
	return func(s *Store) { s.purgeGrace = d }
}

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// Store is the persistent per-user cache. It owns its entries exclusively:
// callers read copies and write through Set.
type Store struct {
	opener     storage.Opener
	purgeGrace time.Duration
	logger     zerolog.Logger

	mu      sync.RWMutex
	backend storage.Backend
	scope   string
}

// NewStore creates a closed store. Call Open once the user is known.
func NewStore(opener storage.Opener, opts ...StoreOption) *Store {
	if opener == nil {
		panic("storage opener cannot be nil")
	}
	s := &Store{
		opener:     opener,
		purgeGrace: DefaultPurgeGrace,
		logger:     log.With().Str("component", "cache-store").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open attaches the store to userID's durable scope. Opening the scope that
// is already open is a no-op; opening a different one closes the previous
// scope first.
func (s *Store) Open(ctx context.Context, userID string) error {
	scope := ScopeFor(userID)
	if scope == "" {
		return ErrInvalidUser
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend != nil && s.scope == scope {
		return nil
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			s.logger.Warn().Err(err).Str("scope", s.scope).Msg("Failed to close previous cache scope")
		}
		s.logger.Info().Str("scope", s.scope).Msg("Closed previous cache scope")
		s.backend = nil
		s.scope = ""
	}

	backend, err := s.opener(ctx, scope)
	if err != nil {
		CacheErrors.WithLabelValues("open").Inc()
		return fmt.Errorf("open cache scope %s: %w", scope, err)
	}

	s.backend = backend
	s.scope = scope
	s.logger.Info().Str("scope", scope).Msg("Cache store opened")
	return nil
}

// Close detaches from the current scope without deleting data.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend == nil {
		return nil
	}
	err := s.backend.Close()
	s.backend = nil
	s.scope = ""
	if err != nil {
		return fmt.Errorf("close cache store: %w", err)
	}
	return nil
}

// Destroy detaches and deletes every entry of the current scope.
func (s *Store) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend == nil {
		return nil
	}
	scope := s.scope
	err := s.backend.Drop(ctx)
	s.backend = nil
	s.scope = ""
	if err != nil {
		CacheErrors.WithLabelValues("destroy").Inc()
		return fmt.Errorf("destroy cache scope %s: %w", scope, err)
	}
	s.logger.Info().Str("scope", scope).Msg("Cache store destroyed")
	return nil
}

// IsOpen reports whether the store is attached to a scope.
func (s *Store) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend != nil
}

// Scope returns the current scope name, or "" when closed.
func (s *Store) Scope() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scope
}

// Get returns the entry stored under key. Fresh and stale entries are both
// returned; use Entry.IsFresh to tell them apart. Backend errors and corrupt
// entries are logged and reported as a miss.
func (s *Store) Get(ctx context.Context, key string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.backend == nil {
		return nil, false
	}

	data, err := s.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			CacheErrors.WithLabelValues("get").Inc()
			s.logger.Warn().Err(err).Str("key", key).Msg("Cache get error")
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		s.logger.Warn().Err(fmt.Errorf("%w: %v", ErrInvalidEntry, err)).Str("key", key).Msg("Dropping corrupt cache entry")
		_ = s.backend.Delete(ctx, key)
		return nil, false
	}

	return &entry, true
}

// Set upserts data under key with fetchedAt = now. A ttl <= 0 is never stored.
func (s *Store) Set(ctx context.Context, key string, data json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.backend == nil {
		return nil
	}

	entry := Entry{
		Data:      data,
		FetchedAt: time.Now(),
		TTL:       ttl,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	// Keep stale entries readable for SWR, then let the backend expire them.
	if err := s.backend.Set(ctx, key, raw, ttl+s.purgeGrace); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("cache set %s: %w", key, err)
	}

	s.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("Cached response")
	return nil
}

// Delete removes a single entry.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.backend == nil {
		return nil
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// Invalidate removes every entry matched by pattern (see MatchPattern) and
// returns how many were removed.
func (s *Store) Invalidate(ctx context.Context, pattern string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.backend == nil {
		return 0, nil
	}

	if IsPrefixPattern(pattern) {
		n, err := s.backend.DeletePrefix(ctx, strings.TrimSuffix(pattern, Wildcard))
		if err != nil {
			CacheErrors.WithLabelValues("invalidate").Inc()
			return n, fmt.Errorf("cache invalidate %s: %w", pattern, err)
		}
		s.logger.Debug().Str("pattern", pattern).Int("removed", n).Msg("Invalidated cache prefix")
		return n, nil
	}

	if _, err := s.backend.Get(ctx, pattern); errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err := s.backend.Delete(ctx, pattern); err != nil {
		CacheErrors.WithLabelValues("invalidate").Inc()
		return 0, fmt.Errorf("cache invalidate %s: %w", pattern, err)
	}
	s.logger.Debug().Str("key", pattern).Msg("Invalidated cache key")
	return 1, nil
}

// Purge removes entries that expired more than the purge grace ago, plus
// entries that can no longer be decoded. It returns the number removed.
func (s *Store) Purge(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.backend == nil {
		return 0, nil
	}

	now := time.Now()
	var doomed []string
	err := s.backend.Scan(ctx, "", func(key string, value []byte) error {
		var entry Entry
		if err := json.Unmarshal(value, &entry); err != nil {
			doomed = append(doomed, key)
			return nil
		}
		if now.After(entry.ExpiresAt().Add(s.purgeGrace)) {
			doomed = append(doomed, key)
		}
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("purge").Inc()
		return 0, fmt.Errorf("cache purge scan: %w", err)
	}

	removed := 0
	for _, key := range doomed {
		if err := s.backend.Delete(ctx, key); err != nil {
			CacheErrors.WithLabelValues("purge").Inc()
			return removed, fmt.Errorf("cache purge %s: %w", key, err)
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Purged expired cache entries")
	}
	return removed, nil
}

// Clear removes every entry in the current scope but keeps the store open.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.backend == nil {
		return nil
	}
	if _, err := s.backend.DeletePrefix(ctx, ""); err != nil {
		CacheErrors.WithLabelValues("clear").Inc()
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// ScopeFor turns a user id into a storage-safe scope name. Lowercase
// letters, digits and '-' are kept; every other byte is written as _xx (hex),
// so distinct ids never share a scope, even on case-insensitive filesystems.
func ScopeFor(userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ""
	}
	const hex = "0123456789abcdef"
	var b strings.Builder
	b.Grow(len("user-") + len(userID)*3)
	b.WriteString("user-")
	for i := 0; i < len(userID); i++ {
		c := userID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}
