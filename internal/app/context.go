package app

import (
	"context"
	"errors"
	"fmt"

	"gocloud.dev/blob"

	"github.com/datallboy/ahiretrieve/internal/ahi"
	"github.com/datallboy/ahiretrieve/internal/infra/config"
	"github.com/datallboy/ahiretrieve/internal/infra/logger"
	"github.com/datallboy/ahiretrieve/internal/infra/metrics"
	"github.com/datallboy/ahiretrieve/internal/infra/tracing"
	"github.com/datallboy/ahiretrieve/internal/sink"
	"github.com/datallboy/ahiretrieve/internal/store"
)

// Context holds the core environment and shared resources of a process.
// Each retrieval builds its own scheduler and decode pool on top of it.
type Context struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Tracing *tracing.Provider

	// Store is nil when the store driver is "none".
	Store store.Store

	// Bucket is nil for the mem output format.
	Bucket *blob.Bucket

	// RequestOptions are applied to every GetImageFrame attempt.
	RequestOptions []ahi.RequestOption

	Version string
}

// NewContext initializes the base environment. Credentials and region are
// resolved here so configuration problems surface before any download starts.
func NewContext(ctx context.Context, cfg *config.Config, log *logger.Logger, version string) (*Context, error) {
	a := &Context{
		Config:  cfg,
		Logger:  log,
		Metrics: metrics.New(),
		Version: version,
	}

	creds, region, err := cfg.AWSCredentials(ctx)
	if err != nil {
		return nil, err
	}
	signer, err := ahi.NewSigner(creds, region)
	if err != nil {
		return nil, err
	}
	a.RequestOptions = []ahi.RequestOption{
		ahi.WithUserAgent("ahiretrieve/" + version),
		signer.Option(),
	}

	a.Tracing, err = tracing.Setup(tracing.Config{
		Enabled: cfg.Tracing.Enabled,
		Path:    cfg.Tracing.Path,
		Version: version,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Output.Format != config.FormatMem {
		a.Bucket, err = sink.OpenBucket(ctx, cfg.Output.Location)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("open output %s: %w", cfg.Output.Location, err)
		}
	}

	a.Store, err = store.Open(ctx, store.Config{
		Driver:      cfg.Store.Driver,
		SQLitePath:  cfg.Store.SQLitePath,
		PostgresDSN: cfg.Store.PostgresDSN,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	return a, nil
}

// Close releases everything NewContext opened.
func (a *Context) Close(ctx context.Context) error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.Bucket != nil {
		errs = append(errs, a.Bucket.Close())
	}
	if a.Tracing != nil {
		errs = append(errs, a.Tracing.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
