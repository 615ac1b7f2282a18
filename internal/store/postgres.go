package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/datallboy/ahiretrieve/internal/domain"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, &domain.ConfigError{Field: "store.postgres_dsn", Reason: "is required"}
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	// migrations run over database/sql on top of the same pool
	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db, DriverPostgres); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, run *domain.Run) error {
	inputs, err := json.Marshal(run.Inputs)
	if err != nil {
		return fmt.Errorf("failed to encode inputs: %w", err)
	}

	var finished *time.Time
	if !run.FinishedAt.IsZero() {
		finished = &run.FinishedAt
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			inputs = excluded.inputs,
			status = excluded.status,
			total_frames = excluded.total_frames,
			frames_downloaded = excluded.frames_downloaded,
			frames_failed = excluded.frames_failed,
			bytes_downloaded = excluded.bytes_downloaded,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			error = excluded.error`,
		run.ID, inputs, string(run.Status), run.TotalFrames, run.FramesDownloaded, run.FramesFailed,
		run.BytesDownloaded, run.StartedAt, finished, run.Error,
	)
	return err
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}

	run, err := pgx.CollectExactlyOneRow(rows, scanPostgresRun)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM runs ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanPostgresRun)
}

func scanPostgresRun(row pgx.CollectableRow) (*domain.Run, error) {
	var (
		run      domain.Run
		inputs   []byte
		status   string
		finished *time.Time
	)

	err := row.Scan(&run.ID, &inputs, &status, &run.TotalFrames, &run.FramesDownloaded,
		&run.FramesFailed, &run.BytesDownloaded, &run.StartedAt, &finished, &run.Error)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(inputs, &run.Inputs); err != nil {
		return nil, fmt.Errorf("decode inputs of run %s: %w", run.ID, err)
	}
	run.Status = domain.RunStatus(status)
	if finished != nil {
		run.FinishedAt = *finished
	}
	return &run, nil
}

func (s *PostgresStore) SaveOutcomes(ctx context.Context, outcomes []domain.FrameOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, o := range outcomes {
		batch.Queue(`INSERT INTO frame_outcomes
			(run_id, datastore_id, image_set_id, image_frame_id, stage, status, http_code, bytes, elapsed_us, attempts, error, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			o.RunID, o.DatastoreID, o.ImageSetID, o.ImageFrameID, o.Stage, o.Status.String(),
			o.HTTPCode, o.Bytes, o.Elapsed.Microseconds(), o.Attempts, o.Error, o.RecordedAt)
		batch.Queue(`INSERT INTO frame_state
			(datastore_id, image_set_id, image_frame_id, stage, status, run_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (datastore_id, image_set_id, image_frame_id, stage)
			DO UPDATE SET status = excluded.status, run_id = excluded.run_id, updated_at = excluded.updated_at`,
			o.DatastoreID, o.ImageSetID, o.ImageFrameID, o.Stage, o.Status.String(), o.RunID, o.RecordedAt)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *PostgresStore) ListOutcomes(ctx context.Context, runID string) ([]domain.FrameOutcome, error) {
	rows, err := s.pool.Query(ctx, `SELECT run_id, datastore_id, image_set_id, image_frame_id, stage, status,
		http_code, bytes, elapsed_us, attempts, error, recorded_at
		FROM frame_outcomes WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.FrameOutcome, error) {
		var (
			o         domain.FrameOutcome
			status    string
			elapsedUS int64
		)
		if err := row.Scan(&o.RunID, &o.DatastoreID, &o.ImageSetID, &o.ImageFrameID, &o.Stage, &status,
			&o.HTTPCode, &o.Bytes, &elapsedUS, &o.Attempts, &o.Error, &o.RecordedAt); err != nil {
			return o, err
		}
		var err error
		o.Status, err = domain.ParseFrameStatus(status)
		o.Elapsed = time.Duration(elapsedUS) * time.Microsecond
		return o, err
	})
}

func (s *PostgresStore) Completed(ctx context.Context, stage string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT datastore_id || '/' || image_set_id || '/' || image_frame_id
		FROM frame_state WHERE stage = $1 AND status = $2`, stage, domain.StatusSucceeded.String())
	if err != nil {
		return nil, err
	}

	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	done := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		done[k] = struct{}{}
	}
	return done, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
