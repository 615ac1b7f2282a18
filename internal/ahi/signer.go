package ahi

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/datallboy/ahiretrieve/internal/domain"
)

// Signer signs attempts with SigV4 using credentials from an AWS provider chain.
type Signer struct {
	Credentials aws.CredentialsProvider
	Region      string

	signer *v4.Signer
	now    func() time.Time
}

// NewSigner caches the provider so each attempt does not hit the credential chain.
func NewSigner(creds aws.CredentialsProvider, region string) (*Signer, error) {
	if creds == nil {
		return nil, &domain.ConfigError{Field: "aws.credentials", Reason: "are required"}
	}
	if region == "" {
		return nil, &domain.ConfigError{Field: "aws.region", Reason: "is required"}
	}

	return &Signer{
		Credentials: aws.NewCredentialsCache(creds),
		Region:      region,
		signer:      v4.NewSigner(),
		now:         time.Now,
	}, nil
}

// Option returns the RequestOption that signs an attempt. The session token,
// when present, is added as X-Amz-Security-Token by the signer.
func (s *Signer) Option() RequestOption {
	return func(r *http.Request, body []byte) error {
		creds, err := s.Credentials.Retrieve(r.Context())
		if err != nil {
			return fmt.Errorf("%w: retrieve credentials: %v", domain.ErrConfiguration, err)
		}

		sum := sha256.Sum256(body)
		if err := s.signer.SignHTTP(r.Context(), creds, r, hex.EncodeToString(sum[:]), Service, s.Region, s.now()); err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		return nil
	}
}
