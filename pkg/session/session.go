// Package session wires the cache layer for one signed-in user: the store,
// the SWR orchestrator, the mutation coordinator, the replay queue and the
// broadcast channel share a lifecycle that starts at SignIn and ends at
// SignOut.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/swrcache/pkg/broadcast"
	"github.com/Sternrassler/swrcache/pkg/cache"
	"github.com/Sternrassler/swrcache/pkg/connectivity"
	"github.com/Sternrassler/swrcache/pkg/mutation"
	"github.com/Sternrassler/swrcache/pkg/replay"
	"github.com/Sternrassler/swrcache/pkg/storage"
	"github.com/Sternrassler/swrcache/pkg/swr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNotSignedIn is returned by operations that need a user.
var ErrNotSignedIn = errors.New("no user signed in")

// Config holds the session configuration.
type Config struct {
	// PurgeGrace is how long expired entries stay readable before Purge
	// removes them.
	PurgeGrace time.Duration

	// Scheduler controls automatic replay.
	Scheduler replay.SchedulerConfig

	// Rules extends the default invalidation map.
	Rules map[string][]string

	// ManualReplay leaves the scheduler stopped; queued mutations are only
	// replayed through Replay.
	ManualReplay bool
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		PurgeGrace: cache.DefaultPurgeGrace,
		Scheduler:  replay.DefaultSchedulerConfig(),
	}
}

// Deps are the collaborators of a Session.
type Deps struct {
	// Opener creates the per-user cache backend. Required.
	Opener storage.Opener

	// Local persists the replay queue, one namespace per user. Nil keeps the
	// queue in memory.
	Local storage.Backend

	// Doer issues replayed intents. Usually a *client.Client.
	Doer replay.Doer

	// Transport carries invalidations to other instances. Optional.
	Transport broadcast.Transport

	// Monitor triggers replay when the API comes back online. Optional.
	Monitor *connectivity.Monitor

	Logger *zerolog.Logger
}

// Session is the explicit context object of the cache layer.
type Session struct {
	store       *cache.Store
	epochs      *cache.Epochs
	metrics     *cache.Metrics
	orch        *swr.Orchestrator
	coord       *mutation.Coordinator
	queue       *replay.Queue
	scheduler   *replay.Scheduler
	broadcaster *broadcast.Broadcaster
	local       storage.Backend
	manual      bool
	logger      zerolog.Logger

	mu     sync.Mutex
	userID string
}

// New wires a signed-out session.
func New(deps Deps, cfg Config) (*Session, error) {
	if deps.Opener == nil {
		return nil, fmt.Errorf("session: storage opener is required")
	}
	if cfg.PurgeGrace <= 0 {
		cfg.PurgeGrace = cache.DefaultPurgeGrace
	}

	logger := log.With().Str("component", "session").Logger()
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	s := &Session{
		store:   cache.NewStore(deps.Opener, cache.WithPurgeGrace(cfg.PurgeGrace), cache.WithLogger(logger)),
		epochs:  cache.NewEpochs(),
		metrics: cache.NewMetrics(),
		local:   deps.Local,
		manual:  cfg.ManualReplay,
		logger:  logger,
	}

	rules := swr.DefaultRules()
	for name, patterns := range cfg.Rules {
		rules.Register(name, patterns...)
	}

	swrDeps := swr.Deps{
		Store:   s.store,
		Epochs:  s.epochs,
		Metrics: s.metrics,
		Rules:   rules,
		Logger:  &logger,
	}
	if deps.Transport != nil {
		s.broadcaster = broadcast.New(deps.Transport, s.store, s.epochs, broadcast.WithLogger(logger))
		swrDeps.Broadcaster = s.broadcaster
	}
	s.orch = swr.New(swrDeps)

	// The queue gets its per-user backend at SignIn.
	s.queue = replay.New(nil, deps.Doer, replay.WithLogger(logger), replay.WithInvalidator(s.orch))
	s.scheduler = replay.NewScheduler(s.queue, cfg.Scheduler, replay.WithSchedulerLogger(logger))
	s.coord = mutation.NewCoordinator(mutation.Deps{
		Invalidator: s.orch,
		Queue:       s.queue,
		Logger:      &logger,
	})

	if deps.Monitor != nil {
		deps.Monitor.OnOnline(func() {
			if s.manual || s.UserID() == "" {
				return
			}
			s.logger.Info().Int("queued", s.queue.Len()).Msg("API back online, replaying queued mutations")
			s.scheduler.Trigger()
		})
	}
	return s, nil
}

// SignIn opens userID's cache scope and broadcast channel, restores the
// replay queue and starts automatic replay. Signing in the current user is a
// no-op; signing in another user closes the previous scope without deleting
// it.
func (s *Session) SignIn(ctx context.Context, userID string) error {
	if cache.ScopeFor(userID) == "" {
		return cache.ErrInvalidUser
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.userID == userID {
		return nil
	}
	if s.userID != "" {
		s.logger.Info().Str("user", s.userID).Msg("Switching user")
		if err := s.detachLocked(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to detach previous user")
		}
		s.userID = ""
	}

	if err := s.store.Open(ctx, userID); err != nil {
		return err
	}

	if n, err := s.store.Purge(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Cache purge failed")
	} else if n > 0 {
		s.logger.Info().Int("removed", n).Msg("Purged expired cache entries")
	}

	if s.broadcaster != nil {
		if err := s.broadcaster.Open(ctx, userID); err != nil {
			s.logger.Warn().Err(err).Msg("Broadcast channel unavailable, invalidations stay local")
		}
	}

	s.queue.Reset(s.queueBackend(cache.ScopeFor(userID)))
	if err := s.queue.Load(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to restore replay queue")
	}

	if !s.manual {
		s.scheduler.Start(context.WithoutCancel(ctx))
		if s.queue.Len() > 0 {
			s.scheduler.Trigger()
		}
	}

	s.userID = userID
	s.logger.Info().Str("user", userID).Int("queued", s.queue.Len()).Msg("Signed in")
	return nil
}

// SignOut discards everything of the current user: queued mutations, the
// broadcast subscription and the cache scope. Counters are reset.
func (s *Session) SignOut(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.userID == "" {
		return nil
	}

	s.scheduler.Stop()

	var errs []error
	if err := s.queue.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	s.queue.Reset(nil)
	if s.broadcaster != nil {
		if err := s.broadcaster.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.epochs.Bump(cache.Wildcard)
	s.orch.Wait()
	if err := s.store.Destroy(ctx); err != nil {
		errs = append(errs, err)
	}
	s.metrics.Reset()

	s.logger.Info().Str("user", s.userID).Msg("Signed out")
	s.userID = ""
	return errors.Join(errs...)
}

// Close detaches from the current user without deleting anything. Persisted
// queue items are replayed on the next SignIn.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.userID == "" {
		return nil
	}
	err := s.detachLocked()
	s.userID = ""
	return err
}

// detachLocked stops background work, drops the in-memory queue and closes
// the current scope. Persisted queue items stay in the user's namespace.
func (s *Session) detachLocked() error {
	s.scheduler.Stop()
	s.queue.Reset(nil)

	var errs []error
	if s.broadcaster != nil {
		if err := s.broadcaster.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	// Supersede in-flight fetches so they do not land in the next scope.
	s.epochs.Bump(cache.Wildcard)
	s.orch.Wait()
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// queueBackend returns the namespace of the local backend holding scope's
// replay queue.
func (s *Session) queueBackend(scope string) storage.Backend {
	if s.local == nil {
		return nil
	}
	return storage.NewNamespaced(s.local, scope)
}

// UserID returns the signed-in user, or "".
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Replay runs one replay pass now.
func (s *Session) Replay(ctx context.Context) (int, error) {
	if s.UserID() == "" {
		return 0, ErrNotSignedIn
	}
	return s.queue.Replay(ctx)
}

// Orchestrator returns the SWR orchestrator.
func (s *Session) Orchestrator() *swr.Orchestrator { return s.orch }

// Coordinator returns the mutation coordinator.
func (s *Session) Coordinator() *mutation.Coordinator { return s.coord }

// Queue returns the replay queue.
func (s *Session) Queue() *replay.Queue { return s.queue }

// Store returns the cache store.
func (s *Session) Store() *cache.Store { return s.store }

// Metrics returns a snapshot of the cache counters.
func (s *Session) Metrics() cache.MetricsSnapshot { return s.metrics.Snapshot() }

// Broadcaster returns the broadcaster, or nil without a transport.
func (s *Session) Broadcaster() *broadcast.Broadcaster { return s.broadcaster }
