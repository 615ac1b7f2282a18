package ahi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/datallboy/ahiretrieve/internal/domain"
)

// Service is the signing name of the imaging runtime API.
const Service = "medical-imaging"

// DefaultEndpoint returns the runtime endpoint for a region.
func DefaultEndpoint(region string) string {
	return fmt.Sprintf("https://runtime-medical-imaging.%s.amazonaws.com", region)
}

// RequestOption applies one piece of configuration to an attempt before it is
// issued. Options run in order and see the final request body.
type RequestOption func(r *http.Request, body []byte) error

// WithHeader sets a static header.
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request, _ []byte) error {
		r.Header.Set(key, value)
		return nil
	}
}

// WithSessionToken sets the security token header used with temporary
// credentials when the request is not signed by a Signer.
func WithSessionToken(token string) RequestOption {
	return func(r *http.Request, _ []byte) error {
		if token != "" {
			r.Header.Set("X-Amz-Security-Token", token)
		}
		return nil
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) RequestOption {
	return WithHeader("User-Agent", ua)
}

type getImageFrameBody struct {
	ImageFrameID string `json:"imageFrameId"`
}

// FrameURL is the GetImageFrame URL for a frame.
func FrameURL(endpoint string, frame *domain.FrameRequest) string {
	return fmt.Sprintf("%s/datastore/%s/imageSet/%s/getImageFrame",
		strings.TrimRight(endpoint, "/"),
		url.PathEscape(frame.DatastoreID),
		url.PathEscape(frame.ImageSetID),
	)
}

// NewFrameRequest composes the wire request for one attempt at a frame.
func NewFrameRequest(ctx context.Context, endpoint string, frame *domain.FrameRequest, opts ...RequestOption) (*http.Request, error) {
	if endpoint == "" {
		return nil, &domain.ConfigError{Field: "endpoint", Reason: "is required"}
	}

	body, err := json.Marshal(getImageFrameBody{ImageFrameID: frame.ImageFrameID})
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, FrameURL(endpoint, frame), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	for _, opt := range opts {
		if err := opt(req, body); err != nil {
			return nil, err
		}
	}

	return req, nil
}
