package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/datallboy/ahiretrieve/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, &domain.ConfigError{Field: "store.sqlite_path", Reason: "is required"}
	}

	// Ensure the database directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Ping makes sure the file is actually accessible and the DSN is valid
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	if err := runMigrations(db, DriverSQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run *domain.Run) error {
	inputs, err := json.Marshal(run.Inputs)
	if err != nil {
		return fmt.Errorf("failed to encode inputs: %w", err)
	}

	query := `INSERT OR REPLACE INTO runs (id, inputs, status, total_frames, frames_downloaded, frames_failed, bytes_downloaded, started_at, finished_at, error)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		string(inputs),
		string(run.Status),
		run.TotalFrames,
		run.FramesDownloaded,
		run.FramesFailed,
		run.BytesDownloaded,
		run.StartedAt.UnixMilli(),
		nullableMillis(run.FinishedAt),
		run.Error,
	)
	return err
}

const runColumns = `id, inputs, status, total_frames, frames_downloaded, frames_failed, bytes_downloaded, started_at, finished_at, error`

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ? LIMIT 1`, id)

	run, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns returns the newest runs first. KSUIDs sort chronologically.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row scanner) (*domain.Run, error) {
	var (
		run      domain.Run
		inputs   string
		status   string
		started  int64
		finished sql.NullInt64
	)

	err := row.Scan(&run.ID, &inputs, &status, &run.TotalFrames, &run.FramesDownloaded,
		&run.FramesFailed, &run.BytesDownloaded, &started, &finished, &run.Error)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(inputs), &run.Inputs); err != nil {
		return nil, fmt.Errorf("decode inputs of run %s: %w", run.ID, err)
	}
	run.Status = domain.RunStatus(status)
	run.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		run.FinishedAt = time.UnixMilli(finished.Int64)
	}
	return &run, nil
}

func (s *SQLiteStore) SaveOutcomes(ctx context.Context, outcomes []domain.FrameOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insert, err := tx.PrepareContext(ctx, `INSERT INTO frame_outcomes
		(run_id, datastore_id, image_set_id, image_frame_id, stage, status, http_code, bytes, elapsed_us, attempts, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insert.Close()

	upsert, err := tx.PrepareContext(ctx, `INSERT INTO frame_state
		(datastore_id, image_set_id, image_frame_id, stage, status, run_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (datastore_id, image_set_id, image_frame_id, stage)
		DO UPDATE SET status = excluded.status, run_id = excluded.run_id, updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer upsert.Close()

	for _, o := range outcomes {
		recorded := o.RecordedAt.UnixMilli()
		if _, err := insert.ExecContext(ctx, o.RunID, o.DatastoreID, o.ImageSetID, o.ImageFrameID, o.Stage,
			o.Status.String(), o.HTTPCode, o.Bytes, o.Elapsed.Microseconds(), o.Attempts, o.Error, recorded); err != nil {
			return fmt.Errorf("insert outcome %s: %w", o.Key(), err)
		}
		if _, err := upsert.ExecContext(ctx, o.DatastoreID, o.ImageSetID, o.ImageFrameID, o.Stage,
			o.Status.String(), o.RunID, recorded); err != nil {
			return fmt.Errorf("update state %s: %w", o.Key(), err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListOutcomes(ctx context.Context, runID string) ([]domain.FrameOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, datastore_id, image_set_id, image_frame_id, stage, status,
		http_code, bytes, elapsed_us, attempts, error, recorded_at
		FROM frame_outcomes WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []domain.FrameOutcome
	for rows.Next() {
		var (
			o         domain.FrameOutcome
			status    string
			elapsedUS int64
			recorded  int64
		)
		if err := rows.Scan(&o.RunID, &o.DatastoreID, &o.ImageSetID, &o.ImageFrameID, &o.Stage, &status,
			&o.HTTPCode, &o.Bytes, &elapsedUS, &o.Attempts, &o.Error, &recorded); err != nil {
			return nil, err
		}
		if o.Status, err = domain.ParseFrameStatus(status); err != nil {
			return nil, err
		}
		o.Elapsed = time.Duration(elapsedUS) * time.Microsecond
		o.RecordedAt = time.UnixMilli(recorded)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func (s *SQLiteStore) Completed(ctx context.Context, stage string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT datastore_id, image_set_id, image_frame_id
		FROM frame_state WHERE stage = ? AND status = ?`, stage, domain.StatusSucceeded.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[string]struct{})
	for rows.Next() {
		var ds, set, frame string
		if err := rows.Scan(&ds, &set, &frame); err != nil {
			return nil, err
		}
		done[ds+"/"+set+"/"+frame] = struct{}{}
	}
	return done, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullableMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
