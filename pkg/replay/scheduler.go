package replay

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SchedulerConfig holds the backoff between automatic replay passes.
type SchedulerConfig struct {
	// InitialBackoff is the delay before the first timed pass after a failure.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between timed passes.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay after each pass that made no progress.
	BackoffMultiplier float64
}

// DefaultSchedulerConfig returns the default replay schedule.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		InitialBackoff:    5 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Scheduler replays a queue when triggered (typically when connectivity
// returns) and on an exponential backoff timer while items remain queued.
type Scheduler struct {
	queue   *Queue
	config  SchedulerConfig
	logger  zerolog.Logger
	trigger chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(logger zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger.With().Str("component", "replay-scheduler").Logger()
	}
}

// NewScheduler creates a stopped scheduler for q.
func NewScheduler(q *Queue, config SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultSchedulerConfig().InitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = DefaultSchedulerConfig().BackoffMultiplier
	}
	s := &Scheduler{
		queue:   q,
		config:  config,
		logger:  log.With().Str("component", "replay-scheduler").Logger(),
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the scheduler until ctx is cancelled or Stop is called.
// Starting a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop halts the scheduler and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Trigger requests an immediate pass. Triggers while a pass is pending coalesce.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := s.config.InitialBackoff
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		// Only wake up on a timer while there is something to replay.
		var tick <-chan time.Time
		if s.queue.Len() > 0 {
			// Add jitter (±20% randomness)
			wait := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			tick = timer.C
			s.logger.Debug().Dur("backoff", wait).Int("queued", s.queue.Len()).Msg("Next replay scheduled")
		}

		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
			if timer != nil {
				timer.Stop()
			}
		case <-tick:
		}

		n, err := s.queue.Replay(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("Replay pass reported an error")
		}

		switch {
		case s.queue.Len() == 0, n > 0:
			backoff = s.config.InitialBackoff
		default:
			backoff = time.Duration(float64(backoff) * s.config.BackoffMultiplier)
			if backoff > s.config.MaxBackoff {
				backoff = s.config.MaxBackoff
			}
		}
	}
}
