package client

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the caller cancels a request,
	// including while it waits for a retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassNetwork represents connection-level and timeout failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassUpstream represents non-2xx responses.
	ErrorClassUpstream ErrorClass = "upstream"

	// ErrorClassMalformed represents 2xx responses whose body is not the expected JSON.
	ErrorClassMalformed ErrorClass = "malformed"

	// ErrorClassCancelled represents cooperative cancellation by the caller.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Status     string
	// Message is the "message" field of a GitHub error document, if any.
	Message string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
	}
	if e.Status != "" {
		return fmt.Sprintf("unexpected status %s", e.Status)
	}
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// MalformedResponseError is a successful response whose body could not be
// decoded, or that lacks fields the caller requires.
type MalformedResponseError struct {
	Endpoint string
	Err      error
}

// Error implements the error interface.
func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response from %s: %v", e.Endpoint, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// RequestError is the terminal failure of one logical request. It carries
// enough context to diagnose the failure: what was called and how often.
type RequestError struct {
	Method   string
	Endpoint string
	Attempts int
	Class    ErrorClass
	Err      error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	noun := "attempts"
	if e.Attempts == 1 {
		noun = "attempt"
	}
	return fmt.Sprintf("%s %s failed after %d %s (%s): %v",
		e.Method, e.Endpoint, e.Attempts, noun, e.Class, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// ClassOf returns the class of a failure returned by the client, or "" if
// err was not produced by a request.
func ClassOf(err error) ErrorClass {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Class
	}
	return ""
}

// classify assigns a failure of a single attempt to its class. A done ctx
// always wins: whatever the transport reported, the caller asked to stop.
func classify(ctx context.Context, err error) ErrorClass {
	if ctx.Err() != nil || errors.Is(err, ErrContextCancelled) {
		return ErrorClassCancelled
	}

	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		return ErrorClassMalformed
	}

	var status *StatusError
	if errors.As(err, &status) {
		return ErrorClassUpstream
	}

	return ErrorClassNetwork
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassNetwork:
		return true
	case ErrorClassUpstream:
		// every non-2xx is retried; quota exhaustion is then held back by the tracker
		return true
	case ErrorClassMalformed:
		return false
	case ErrorClassCancelled:
		return false
	default:
		return false
	}
}
