package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is fatal at startup and never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrThrottled marks a 429 response. It is retried inside the connection
	// and never surfaces as a terminal outcome.
	ErrThrottled = errors.New("request throttled (429)")

	// ErrTransport marks a transport level failure. Retried indefinitely.
	ErrTransport = errors.New("transport failure")

	// ErrPermanentHTTP marks any non-200, non-429 response.
	ErrPermanentHTTP = errors.New("permanent http error")

	// ErrDecode marks a frame that could not be decoded.
	ErrDecode = errors.New("decode failed")

	// ErrCancelled is reserved for the cancelled status.
	ErrCancelled = errors.New("request cancelled")
)

// ConfigError names the configuration field that is missing or invalid.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// HTTPError is the terminal error of a request that got a non-200, non-429 response.
type HTTPError struct {
	Code int
	Body string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.Code)
	}
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

func (e *HTTPError) Unwrap() error { return ErrPermanentHTTP }

// DecodeError is the terminal error of a frame that failed to decode.
type DecodeError struct {
	FrameID string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame %s: %v", e.FrameID, e.Err)
}

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func (e *DecodeError) Unwrap() error { return e.Err }
