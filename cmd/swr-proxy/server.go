package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/swrcache/pkg/cache"
	"github.com/Sternrassler/swrcache/pkg/client"
	"github.com/Sternrassler/swrcache/pkg/connectivity"
	"github.com/Sternrassler/swrcache/pkg/metrics"
	"github.com/Sternrassler/swrcache/pkg/mutation"
	"github.com/Sternrassler/swrcache/pkg/replay"
	"github.com/Sternrassler/swrcache/pkg/session"
	"github.com/Sternrassler/swrcache/pkg/swr"
	"github.com/rs/zerolog"
)

// Proxy request and response headers.
const (
	headerCache       = "X-Cache"
	headerCacheTTL    = "X-Cache-TTL"
	headerLockKey     = "X-Lock-Key"
	headerMutationKey = "X-Mutation-Key"
	headerQueued      = "X-Replay-Queued"
)

const maxRequestBody = 8 << 20

// server exposes a session over HTTP.
type server struct {
	sess    *session.Session
	api     *client.Client
	monitor *connectivity.Monitor
	logger  zerolog.Logger
	timeout time.Duration
}

func newServer(sess *session.Session, api *client.Client, monitor *connectivity.Monitor, logger zerolog.Logger) *server {
	return &server{
		sess:    sess,
		api:     api,
		monitor: monitor,
		logger:  logger.With().Str("component", "proxy").Logger(),
		timeout: 30 * time.Second,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /cache/metrics", s.handleCacheMetrics)
	mux.HandleFunc("POST /session", s.handleSignIn)
	mux.HandleFunc("DELETE /session", s.handleSignOut)
	mux.HandleFunc("GET /queue", s.handleQueue)
	mux.HandleFunc("POST /queue/replay", s.handleReplay)
	mux.HandleFunc("GET /api/{path...}", s.handleRead)
	mux.HandleFunc("/api/{path...}", s.handleMutation)
	return mux
}

type healthResponse struct {
	Status       string              `json:"status"`
	User         string              `json:"user,omitempty"`
	Connectivity *connectivity.State `json:"connectivity,omitempty"`
	Queued       int                 `json:"queued"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		User:   s.sess.UserID(),
		Queued: s.sess.Queue().Len(),
	}
	if s.monitor != nil {
		state := s.monitor.State()
		resp.Connectivity = &state
		if !state.Online() {
			resp.Status = "offline"
		}
	}
	writeData(w, http.StatusOK, resp)
}

func (s *server) handleCacheMetrics(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.sess.Metrics())
}

func (s *server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User string `json:"user"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := s.sess.SignIn(r.Context(), req.User); err != nil {
		if errors.Is(err, cache.ErrInvalidUser) {
			writeError(w, http.StatusBadRequest, "invalid_user", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "sign_in_failed", err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]string{"user": req.User})
}

func (s *server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.SignOut(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "sign_out_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.sess.Queue().Items())
}

func (s *server) handleReplay(w http.ResponseWriter, r *http.Request) {
	n, err := s.sess.Replay(r.Context())
	if errors.Is(err, session.ErrNotSignedIn) {
		writeError(w, http.StatusConflict, "not_signed_in", err.Error())
		return
	}
	resp := map[string]any{"replayed": n, "remaining": s.sess.Queue().Len()}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeData(w, http.StatusOK, resp)
}

// handleRead serves GET /api/* through the SWR orchestrator.
func (s *server) handleRead(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	query := r.URL.Query()
	force := query.Get("refresh") == "1"
	query.Del("refresh")

	params := make(map[string]any, len(query))
	for name := range query {
		params[name] = query[name]
	}
	key := cache.Key(path, params)

	ttl, err := ttlFor(path, r.Header.Get(headerCacheTTL))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_ttl", err.Error())
		return
	}

	var opts []swr.Option
	if force {
		opts = append(opts, swr.WithForceNetwork())
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	res, err := s.sess.Orchestrator().CachedFetch(ctx, key, s.api.Fetcher("/"+path, query), ttl, opts...)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}

	w.Header().Set(headerCache, res.Source())
	writeRaw(w, http.StatusOK, res.Data)
}

// handleMutation forwards writes under the X-Lock-Key lock and queues
// retriable failures for replay.
func (s *server) handleMutation(w http.ResponseWriter, r *http.Request) {
	path := "/" + r.PathValue("path")
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	var payload json.RawMessage
	if len(body) > 0 {
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "invalid_body", "request body must be JSON")
			return
		}
		payload = body
	}

	lockKey := r.Header.Get(headerLockKey)
	if lockKey == "" {
		lockKey = r.URL.Path
	}
	mutationKey := r.Header.Get(headerMutationKey)
	signedIn := s.sess.UserID() != ""

	m := mutation.Mutation[json.RawMessage]{
		Label:       r.Method + " " + path,
		LockKey:     lockKey,
		MutationKey: mutationKey,
		Mutate: func(ctx context.Context) (json.RawMessage, error) {
			return s.api.Do(ctx, r.Method, path, payload, nil)
		},
		QueueOnNetworkError: signedIn,
		ReplayIntent: &replay.Intent{
			Method: r.Method,
			Path:   path,
			Body:   payload,
		},
	}

	data, err := mutation.Run(r.Context(), s.sess.Coordinator(), m)
	if err != nil {
		if signedIn && client.IsRetriable(err) {
			w.Header().Set(headerQueued, "true")
		}
		s.writeUpstreamError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, data)
}

func (s *server) writeUpstreamError(w http.ResponseWriter, err error) {
	var apiErr *client.APIError
	switch {
	case errors.As(err, &apiErr):
		code := apiErr.Code
		if code == "" {
			code = string(apiErr.Class)
		}
		writeError(w, apiErr.StatusCode, code, apiErr.Message)
	case errors.Is(err, connectivity.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, "offline", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away.
	default:
		s.logger.Warn().Err(err).Msg("Upstream request failed")
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
	}
}

// ttlFor picks the cache tier for path. A X-Cache-TTL header overrides it;
// "0" disables caching.
func ttlFor(path, header string) (time.Duration, error) {
	if header != "" {
		if secs, err := strconv.Atoi(header); err == nil {
			return time.Duration(secs) * time.Second, nil
		}
		return time.ParseDuration(header)
	}

	switch {
	case strings.HasPrefix(path, "catalog/") && strings.Contains(path, "merged"):
		return cache.TTLOverlay, nil
	case strings.HasPrefix(path, "catalog/"):
		return cache.TTLReference, nil
	case strings.HasPrefix(path, "settings"), strings.HasPrefix(path, "targets"):
		return cache.TTLOverlay, nil
	default:
		return cache.TTLComposition, nil
	}
}

func writeRaw(w http.ResponseWriter, status int, data json.RawMessage) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Data json.RawMessage `json:"data"`
	}{data})
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
