package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/swrcache/pkg/connectivity"
)

// Common errors returned by the client.
var (
	// ErrInvalidEnvelope is returned when a response body is not a valid
	// {data} or {error} envelope.
	ErrInvalidEnvelope = errors.New("invalid response envelope")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport failures.
	ErrorClassNetwork ErrorClass = "network"
)

// classForStatus maps an HTTP status to its error class.
func classForStatus(status int) ErrorClass {
	if status >= 500 {
		return ErrorClassServer
	}
	return ErrorClassClient
}

// APIError is an error envelope returned by the remote API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Class      ErrorClass
}

// Error implements the error interface.
func (e *APIError) Error() string {
	class := e.Class
	if class == "" {
		class = classForStatus(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("API %s error (status %d): %s: %s", class, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API %s error (status %d): %s", class, e.StatusCode, e.Message)
}

// NetworkError is a transport-level failure: the request never produced an
// HTTP response.
type NetworkError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsRetriable reports whether err is worth replaying later: a 5xx API error,
// a transport failure, or a call rejected while offline. Caller cancellation
// is never retriable.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, connectivity.ErrOffline) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}

	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// Classify returns the error class of err, or "" for errors that did not
// come from a request.
func Classify(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return classForStatus(apiErr.StatusCode)
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) || errors.Is(err, connectivity.ErrOffline) {
		return ErrorClassNetwork
	}
	return ""
}
