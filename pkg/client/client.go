// Package client provides the HTTP client for the remote API. It speaks the
// {data}/{error} envelope, types failures at the HTTP boundary and gates
// requests through the connectivity monitor.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/swrcache/pkg/connectivity"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for API client operations.
var (
	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swr_api_requests_total",
		Help: "Total API requests by method and status",
	}, []string{"method", "status"})

	apiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swr_api_request_duration_seconds",
		Help:    "API request duration in seconds by method",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	apiErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swr_api_errors_total",
		Help: "Total API errors by class",
	}, []string{"class"})
)

// maxBodySize bounds how much of a response body is read.
const maxBodySize = 32 << 20

// Config holds the client configuration.
type Config struct {
	// BaseURL is prepended to every request path (e.g. "http://localhost:8080/api")
	BaseURL string

	// Timeout bounds each request. Zero means no client-side timeout.
	Timeout time.Duration

	// UserAgent header sent with every request
	UserAgent string
}

// DefaultConfig returns a default configuration for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		Timeout:   30 * time.Second,
		UserAgent: "swrcache/1.0",
	}
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMonitor gates requests through a connectivity monitor.
func WithMonitor(m *connectivity.Monitor) Option {
	return func(c *Client) { c.monitor = m }
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client is the remote API client.
type Client struct {
	httpClient *http.Client
	monitor    *connectivity.Monitor
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
}

// New creates a new API client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    base,
		config:     cfg,
		logger:     log.With().Str("component", "api-client").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// envelope is the wire shape of every API response.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Do issues method path with an optional JSON body and returns the "data"
// member of the response envelope.
//
// Failures are typed: *APIError for error envelopes and non-2xx statuses,
// *NetworkError for transport failures, an error wrapping
// connectivity.ErrOffline while offline, and ctx.Err() when the caller gave up.
func (c *Client) Do(ctx context.Context, method, path string, body json.RawMessage, headers map[string]string) (json.RawMessage, error) {
	if c.monitor == nil {
		return c.do(ctx, method, path, body, headers)
	}

	var data json.RawMessage
	err := c.monitor.Execute(ctx, func() error {
		var err error
		data, err = c.do(ctx, method, path, body, headers)
		return err
	})
	if errors.Is(err, connectivity.ErrOffline) {
		apiRequestsTotal.WithLabelValues(method, "offline").Inc()
		apiErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
	}
	return data, err
}

// Get issues a GET request for path with query parameters.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.Do(ctx, http.MethodGet, path, nil, nil)
}

// Fetcher returns a function fetching path with query, suitable as an SWR
// fetcher.
func (c *Client) Fetcher(path string, query url.Values) func(ctx context.Context) (json.RawMessage, error) {
	return func(ctx context.Context) (json.RawMessage, error) {
		return c.Get(ctx, path, query)
	}
}

// Online reports whether the remote API is considered reachable.
func (c *Client) Online() bool {
	return c.monitor == nil || c.monitor.Online()
}

func (c *Client) do(ctx context.Context, method, path string, body json.RawMessage, headers map[string]string) (json.RawMessage, error) {
	startTime := time.Now()
	defer func() {
		apiRequestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	}()

	target := c.resolve(path)

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Msg("Executing API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			apiRequestsTotal.WithLabelValues(method, "cancelled").Inc()
			return nil, ctxErr
		}
		apiRequestsTotal.WithLabelValues(method, "network_error").Inc()
		apiErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Msg("API request failed")
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	apiRequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		apiErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &NetworkError{Op: "read " + method + " " + path, Err: err}
	}

	if resp.StatusCode >= 400 {
		apiErr := c.decodeError(resp, raw)
		apiErrorsTotal.WithLabelValues(string(apiErr.Class)).Inc()
		c.logger.Warn().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Str("error_class", string(apiErr.Class)).
			Msg("API request error")
		return nil, apiErr
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Error != nil {
		// Error envelope with a success status.
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Code:       env.Error.Code,
			Message:    env.Error.Message,
			Class:      ErrorClassClient,
		}
	}
	return env.Data, nil
}

func (c *Client) decodeError(resp *http.Response, raw []byte) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
		Class:      classForStatus(resp.StatusCode),
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Error != nil {
		apiErr.Code = env.Error.Code
		if env.Error.Message != "" {
			apiErr.Message = env.Error.Message
		}
	}
	return apiErr
}

// resolve joins path (with optional query) onto the base URL.
func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL.String() + path
}
