package connectivity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ErrOffline is returned without touching the network while the API is
// considered unreachable. It is a retriable condition.
var ErrOffline = errors.New("remote API offline")

// Prometheus metrics for connectivity tracking.
var (
	swrConnectivityOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swr_connectivity_online",
		Help: "1 while the remote API is considered reachable, 0 while offline",
	})

	swrConnectivityTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swr_connectivity_transitions_total",
		Help: "Total number of connectivity status changes by new status",
	}, []string{"status"})
)

func init() {
	swrConnectivityOnline.Set(1)
}

// Config holds the breaker settings.
type Config struct {
	// Name identifies the breaker in logs.
	Name string

	// FailureThreshold is the number of consecutive retriable failures that
	// switches to offline.
	FailureThreshold uint32

	// ProbeTimeout is how long to stay offline before probing again.
	ProbeTimeout time.Duration

	// ProbeRequests is the number of trial requests allowed while probing.
	ProbeRequests uint32
}

// DefaultConfig returns the default breaker settings.
func DefaultConfig() Config {
	return Config{
		Name:             "api",
		FailureThreshold: 3,
		ProbeTimeout:     30 * time.Second,
		ProbeRequests:    1,
	}
}

// Monitor gates calls to the remote API through a circuit breaker.
type Monitor struct {
	cb        *gobreaker.CircuitBreaker
	isFailure func(error) bool
	logger    zerolog.Logger

	mu         sync.Mutex
	onOnline   []func()
	lastChange time.Time
}

// NewMonitor creates a monitor. isFailure decides which errors count against
// connectivity; nil counts every error.
func NewMonitor(cfg Config, isFailure func(error) bool, logger zerolog.Logger) *Monitor {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.ProbeRequests == 0 {
		cfg.ProbeRequests = DefaultConfig().ProbeRequests
	}
	if cfg.Name == "" {
		cfg.Name = DefaultConfig().Name
	}
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}

	m := &Monitor{
		isFailure: isFailure,
		logger:    logger.With().Str("component", "connectivity").Logger(),
	}

	threshold := cfg.FailureThreshold
	m.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.ProbeRequests,
		Timeout:     cfg.ProbeTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !m.isFailure(err)
		},
		OnStateChange: m.stateChanged,
	})
	return m
}

// OnOnline registers fn to run (in its own goroutine) whenever the API
// becomes reachable again after being offline.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

// Execute runs fn unless the API is offline. Errors from fn are returned
// unchanged; a rejected call returns an error wrapping ErrOffline.
func (m *Monitor) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := m.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	return err
}

// Online reports whether requests currently reach the network.
func (m *Monitor) Online() bool {
	return m.State().Online()
}

// State returns the current monitor state.
func (m *Monitor) State() State {
	counts := m.cb.Counts()

	m.mu.Lock()
	lastChange := m.lastChange
	m.mu.Unlock()

	return State{
		Status:              statusFor(m.cb.State()),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		Requests:            counts.Requests,
		LastChange:          lastChange,
	}
}

// stateChanged runs under the breaker's lock, so listeners are started in
// their own goroutines.
func (m *Monitor) stateChanged(name string, from, to gobreaker.State) {
	status := statusFor(to)

	m.mu.Lock()
	m.lastChange = time.Now()
	var listeners []func()
	if to == gobreaker.StateClosed {
		listeners = append(listeners, m.onOnline...)
	}
	m.mu.Unlock()

	swrConnectivityTransitionsTotal.WithLabelValues(string(status)).Inc()
	if status == StatusOffline {
		swrConnectivityOnline.Set(0)
		m.logger.Warn().Str("breaker", name).Msg("Remote API unreachable, switching to offline mode")
	} else {
		swrConnectivityOnline.Set(1)
		m.logger.Info().
			Str("breaker", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Connectivity state changed")
	}

	for _, fn := range listeners {
		go fn()
	}
}
