package domain

import "time"

// FrameInfo describes decoded pixel data.
type FrameInfo struct {
	Width          int  `json:"width"`
	Height         int  `json:"height"`
	BitsPerSample  int  `json:"bitsPerSample"`
	ComponentCount int  `json:"componentCount"`
	IsSigned       bool `json:"isSigned"`
}

// DecodeTask wraps a successfully downloaded frame on its way through the
// decode pool. It runs exactly once and is never retried.
type DecodeTask struct {
	Frame *FrameRequest

	// Decoded is the target buffer; it is allocated by the pool when nil.
	Decoded []byte

	Info    FrameInfo
	Elapsed time.Duration
	Err     error
}
