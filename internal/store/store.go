// Package store keeps run history and per-frame outcomes so that a retrieval
// can be inspected later and resumed.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/datallboy/ahiretrieve/internal/domain"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNone     = "none"
)

var ErrNotFound = errors.New("not found")

// Store is implemented by the SQLite and Postgres backends.
type Store interface {
	SaveRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*domain.Run, error)

	// SaveOutcomes appends to the outcome history and updates the latest
	// state of each frame.
	SaveOutcomes(ctx context.Context, outcomes []domain.FrameOutcome) error
	ListOutcomes(ctx context.Context, runID string) ([]domain.FrameOutcome, error)

	// Completed returns the keys (FrameRequest.Key) of frames whose latest
	// outcome at stage is a success.
	Completed(ctx context.Context, stage string) (map[string]struct{}, error)

	Close() error
}

type Config struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
}

// Open returns the configured backend, or nil when the driver is "none".
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverNone, "":
		return nil, nil
	case DriverSQLite:
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg.PostgresDSN)
	default:
		return nil, &domain.ConfigError{Field: "store.driver", Reason: fmt.Sprintf("unknown driver %q", cfg.Driver)}
	}
}

// ResumeFilter returns a predicate that is true for frames already completed
// at stage.
func ResumeFilter(ctx context.Context, s Store, stage string) (func(*domain.FrameRequest) bool, error) {
	done, err := s.Completed(ctx, stage)
	if err != nil {
		return nil, fmt.Errorf("load completed frames: %w", err)
	}
	return func(f *domain.FrameRequest) bool {
		_, ok := done[f.Key()]
		return ok
	}, nil
}
