package domain

import (
	"fmt"
	"time"
)

// FrameStatus is the terminal outcome of a FrameRequest. Throttled and retried
// attempts never change it; only the final attempt does.
type FrameStatus int

const (
	StatusPending FrameStatus = iota
	StatusSucceeded
	StatusFailed
	StatusCancelled // defined for sinks, nothing in the engine assigns it yet
)

func (s FrameStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseFrameStatus is the inverse of FrameStatus.String.
func ParseFrameStatus(s string) (FrameStatus, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "succeeded":
		return StatusSucceeded, nil
	case "failed":
		return StatusFailed, nil
	case "cancelled":
		return StatusCancelled, nil
	}
	return StatusPending, fmt.Errorf("unknown frame status %q", s)
}

func (s FrameStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *FrameStatus) UnmarshalText(b []byte) error {
	v, err := ParseFrameStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal reports whether the status is a final outcome.
func (s FrameStatus) Terminal() bool {
	return s != StatusPending
}

// FrameRequest identifies a single image frame and carries the buffer that the
// response body is written into. The scheduler, the connection carrying it and
// the result sink all hold the same pointer while it is in flight.
type FrameRequest struct {
	DatastoreID  string
	ImageSetID   string
	ImageFrameID string

	// ExpectedSize comes from the descriptor and is only used to size Bytes on
	// the first successful attempt.
	ExpectedSize int64

	// Bytes holds the frame on success or the diagnostic body on failure. Every
	// attempt reads into it, so retries reuse its backing array.
	Bytes []byte

	// Outputs, written once the request reaches a terminal outcome.
	Status   FrameStatus
	HTTPCode int
	Elapsed  time.Duration
	Attempts int
	Err      error
}

// NewFrameRequest builds a request. Bytes stays nil until the first attempt
// reads a body into it, sized from expectedSize.
func NewFrameRequest(datastoreID, imageSetID, imageFrameID string, expectedSize int64) *FrameRequest {
	if expectedSize < 0 {
		expectedSize = 0
	}
	return &FrameRequest{
		DatastoreID:  datastoreID,
		ImageSetID:   imageSetID,
		ImageFrameID: imageFrameID,
		ExpectedSize: expectedSize,
	}
}

// Key is the stable identity used by the store and the output layout.
func (r *FrameRequest) Key() string {
	return r.DatastoreID + "/" + r.ImageSetID + "/" + r.ImageFrameID
}

// ResetBuffer empties the buffer for a new attempt, keeping its capacity.
func (r *FrameRequest) ResetBuffer() {
	r.Bytes = r.Bytes[:0]
}

// Succeed marks the request as downloaded.
func (r *FrameRequest) Succeed(code int, elapsed time.Duration) {
	r.Status = StatusSucceeded
	r.HTTPCode = code
	r.Elapsed = elapsed
	r.Err = nil
}

// Fail marks the request as permanently failed. The body is kept as diagnostic text.
func (r *FrameRequest) Fail(code int, elapsed time.Duration) {
	r.Status = StatusFailed
	r.HTTPCode = code
	r.Elapsed = elapsed
	r.Err = &HTTPError{Code: code, Body: string(r.Bytes)}
}
