package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/datallboy/ahiretrieve/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "db", "ahi.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_Runs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	started := time.UnixMilli(time.Now().UnixMilli())
	run := &domain.Run{
		ID:          "2NqxXqfJvXhOVwqBfPZZwtLqR4a",
		Inputs:      []string{"a.json", "b.json"},
		Status:      domain.RunDownloading,
		TotalFrames: 10,
		StartedAt:   started,
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	run.Status = domain.RunCompleted
	run.FramesDownloaded = 9
	run.FramesFailed = 1
	run.BytesDownloaded = 1234
	run.FinishedAt = started.Add(time.Second)
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun update: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != domain.RunCompleted || got.FramesDownloaded != 9 || got.FramesFailed != 1 || got.BytesDownloaded != 1234 {
		t.Errorf("unexpected run: %+v", got)
	}
	if len(got.Inputs) != 2 || got.Inputs[1] != "b.json" {
		t.Errorf("inputs = %v", got.Inputs)
	}
	if !got.StartedAt.Equal(started) || !got.FinishedAt.Equal(run.FinishedAt) {
		t.Errorf("times = %v / %v", got.StartedAt, got.FinishedAt)
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(missing) err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_ListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"a", "c", "b"} {
		if err := s.SaveRun(ctx, &domain.Run{ID: id, Status: domain.RunPending, StartedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.ListRuns(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Fatalf("ListRuns = %v", runs)
	}
	if !runs[0].FinishedAt.IsZero() {
		t.Errorf("unfinished run has FinishedAt %v", runs[0].FinishedAt)
	}
}

func TestSQLiteStore_OutcomesAndResume(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now()
	outcome := func(run, frame string, status domain.FrameStatus) domain.FrameOutcome {
		return domain.FrameOutcome{
			RunID: run, DatastoreID: "ds", ImageSetID: "set", ImageFrameID: frame,
			Stage: domain.StageDownload, Status: status, HTTPCode: 200, Bytes: 4,
			Elapsed: 1500 * time.Microsecond, Attempts: 1, RecordedAt: now,
		}
	}

	first := []domain.FrameOutcome{
		outcome("r1", "f1", domain.StatusSucceeded),
		outcome("r1", "f2", domain.StatusFailed),
	}
	first[1].HTTPCode = 403
	first[1].Error = "http status 403"
	if err := s.SaveOutcomes(ctx, first); err != nil {
		t.Fatalf("SaveOutcomes: %v", err)
	}

	// A later run succeeds for f2 and fails for f1.
	second := []domain.FrameOutcome{
		outcome("r2", "f2", domain.StatusSucceeded),
		outcome("r2", "f1", domain.StatusFailed),
	}
	if err := s.SaveOutcomes(ctx, second); err != nil {
		t.Fatalf("SaveOutcomes: %v", err)
	}

	got, err := s.ListOutcomes(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(got))
	}
	if got[1].Status != domain.StatusFailed || got[1].HTTPCode != 403 || got[1].Error != "http status 403" {
		t.Errorf("unexpected outcome: %+v", got[1])
	}
	if got[0].Elapsed != 1500*time.Microsecond {
		t.Errorf("elapsed = %v", got[0].Elapsed)
	}

	done, err := s.Completed(ctx, domain.StageDownload)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := done["ds/set/f2"]; !ok || len(done) != 1 {
		t.Errorf("Completed = %v, want only ds/set/f2", done)
	}

	skip, err := ResumeFilter(ctx, s, domain.StageDownload)
	if err != nil {
		t.Fatal(err)
	}
	if !skip(domain.NewFrameRequest("ds", "set", "f2", 0)) || skip(domain.NewFrameRequest("ds", "set", "f1", 0)) {
		t.Error("ResumeFilter disagrees with Completed")
	}
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ahi.db")

	s, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRun(ctx, &domain.Run{ID: "r", Status: domain.RunCompleted, StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// migrations must be a no-op the second time
	s, err = NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.GetRun(ctx, "r"); err != nil {
		t.Fatalf("GetRun after reopen: %v", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Driver: DriverNone})
	if err != nil || s != nil {
		t.Fatalf("Open(none) = %v, %v", s, err)
	}

	if _, err := Open(ctx, Config{Driver: "mysql"}); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("Open(mysql) err = %v, want configuration error", err)
	}
	if _, err := Open(ctx, Config{Driver: DriverSQLite}); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("Open(sqlite, no path) err = %v, want configuration error", err)
	}

	s, err = Open(ctx, Config{Driver: DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "x.db")})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
}
