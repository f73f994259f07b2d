// Package testutil provides testing utilities for the SWR cache layer.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock API endpoint response.
type MockResponse struct {
	StatusCode int
	Data       any
	ErrCode    string
	ErrMessage string
	Headers    map[string]string
	Delay      time.Duration
}

// Request is a request received by the mock API.
type Request struct {
	Method string
	Path   string
	Query  string
	Body   string
	Header http.Header
}

// MockAPI is a configurable mock of the remote API speaking the
// {data}/{error} envelope.
type MockAPI struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	down     bool

	requests []Request
	counts   map[string]int
}

// NewMockAPI creates a new mock API server.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		handlers: make(map[string]http.HandlerFunc),
		counts:   make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		mock.mu.Lock()
		mock.requests = append(mock.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Body:   string(body),
			Header: r.Header.Clone(),
		})
		mock.counts[r.Method+" "+r.URL.Path]++
		down := mock.down
		handler, exists := mock.handlers[r.Method+" "+r.URL.Path]
		if !exists {
			handler, exists = mock.handlers[r.URL.Path]
		}
		mock.mu.Unlock()

		if down {
			WriteError(w, http.StatusServiceUnavailable, "unavailable", "service down")
			return
		}
		if exists {
			handler(w, r)
			return
		}
		WriteError(w, http.StatusNotFound, "not_found", "no such endpoint")
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Reset clears recorded requests.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.counts = make(map[string]int)
}

// SetDown makes every endpoint answer 503 while down is true.
func (m *MockAPI) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// SetHandler sets a custom handler. route is either a path or "METHOD path".
func (m *MockAPI) SetHandler(route string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[route] = handler
}

// SetResponse configures a fixed response for route.
func (m *MockAPI) SetResponse(route string, resp MockResponse) {
	m.SetHandler(route, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		status := resp.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		if status >= 400 {
			WriteError(w, status, resp.ErrCode, resp.ErrMessage)
			return
		}
		WriteData(w, status, resp.Data)
	})
}

// SetData is SetResponse with a 200 {data} envelope.
func (m *MockAPI) SetData(route string, data any) {
	m.SetResponse(route, MockResponse{StatusCode: http.StatusOK, Data: data})
}

// SetError is SetResponse with an {error} envelope.
func (m *MockAPI) SetError(route string, status int, code, message string) {
	m.SetResponse(route, MockResponse{StatusCode: status, ErrCode: code, ErrMessage: message})
}

// Requests returns a copy of all recorded requests.
func (m *MockAPI) Requests() []Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns the number of requests made to the server.
func (m *MockAPI) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// Count returns the number of requests for "METHOD path".
func (m *MockAPI) Count(route string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[route]
}

// WriteData writes a {data} envelope.
func WriteData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

// WriteError writes an {error} envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
