package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/Sternrassler/swrcache/pkg/broadcast"
	"github.com/Sternrassler/swrcache/pkg/client"
	"github.com/Sternrassler/swrcache/pkg/config"
	"github.com/Sternrassler/swrcache/pkg/connectivity"
	"github.com/Sternrassler/swrcache/pkg/logging"
	"github.com/Sternrassler/swrcache/pkg/replay"
	"github.com/Sternrassler/swrcache/pkg/session"
	"github.com/Sternrassler/swrcache/pkg/storage"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// runtime holds the long-lived components of the daemon.
type runtime struct {
	cfg     config.Config
	logger  zerolog.Logger
	profile *storage.BadgerBackend
	redis   *redis.Client
	monitor *connectivity.Monitor
	client  *client.Client
	session *session.Session
}

// openProfile opens the profile database that holds the replay queue.
func openProfile(cfg config.Config) (*storage.BadgerBackend, error) {
	return storage.OpenBadger(storage.BadgerOptions{
		Dir:        filepath.Join(cfg.DataDir, "profile"),
		SyncWrites: true,
	})
}

// newAPIClient creates the API client gated by monitor.
func newAPIClient(cfg config.Config, monitor *connectivity.Monitor, logger zerolog.Logger) (*client.Client, error) {
	opts := []client.Option{client.WithLogger(logger)}
	if monitor != nil {
		opts = append(opts, client.WithMonitor(monitor))
	}
	return client.New(client.DefaultConfig(cfg.APIBaseURL), opts...)
}

// newRuntime wires the session and signs in cfg.UserID when set. With
// autoReplay false the replay queue is only drained on request.
func newRuntime(ctx context.Context, cfg config.Config, autoReplay bool) (*runtime, error) {
	logger := logging.Setup(cfg.Logging())
	rt := &runtime{cfg: cfg, logger: logger}

	monitorCfg := connectivity.DefaultConfig()
	monitorCfg.ProbeTimeout = cfg.BreakerTimeout
	rt.monitor = connectivity.NewMonitor(monitorCfg, client.IsRetriable, logger)

	apiClient, err := newAPIClient(cfg, rt.monitor, logger)
	if err != nil {
		return nil, err
	}
	rt.client = apiClient

	profile, err := openProfile(cfg)
	if err != nil {
		return nil, fmt.Errorf("open profile database (is the daemon running?): %w", err)
	}
	rt.profile = profile

	deps := session.Deps{
		Local:   profile,
		Doer:    apiClient,
		Monitor: rt.monitor,
		Logger:  &logger,
	}

	switch cfg.Backend {
	case config.BackendRedis:
		rt.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			rt.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
		deps.Opener = storage.RedisOpener(rt.redis, "swr:")
		deps.Transport = broadcast.NewRedisTransport(rt.redis)
	default:
		deps.Opener = storage.BadgerOpener(filepath.Join(cfg.DataDir, "cache"), false)
	}

	sessionCfg := session.DefaultConfig()
	sessionCfg.Scheduler = replay.DefaultSchedulerConfig()
	sessionCfg.Scheduler.InitialBackoff = cfg.ReplayInterval
	sessionCfg.ManualReplay = !autoReplay

	sess, err := session.New(deps, sessionCfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.session = sess

	if cfg.UserID != "" {
		if err := sess.SignIn(ctx, cfg.UserID); err != nil {
			rt.Close()
			return nil, fmt.Errorf("sign in %s: %w", cfg.UserID, err)
		}
	}
	return rt, nil
}

// Close detaches the session and closes every connection.
func (r *runtime) Close() error {
	var errs []error
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.profile != nil {
		if err := r.profile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
