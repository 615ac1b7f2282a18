//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/datallboy/ahiretrieve/internal/domain"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "ahi",
				"POSTGRES_PASSWORD": "ahi",
				"POSTGRES_DB":       "ahi",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	host, err := ctr.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatal(err)
	}
	return fmt.Sprintf("postgres://ahi:ahi@%s:%s/ahi?sslmode=disable", host, port.Port())
}

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()
	dsn := startPostgres(t)

	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	defer s.Close()

	run := &domain.Run{ID: "r1", Inputs: []string{"a.json"}, Status: domain.RunDownloading, StartedAt: time.Now()}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	run.Status = domain.RunCompleted
	run.FinishedAt = time.Now()
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun update: %v", err)
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunCompleted || got.FinishedAt.IsZero() || got.Inputs[0] != "a.json" {
		t.Errorf("unexpected run: %+v", got)
	}

	outcomes := []domain.FrameOutcome{
		{RunID: "r1", DatastoreID: "ds", ImageSetID: "set", ImageFrameID: "f1", Stage: domain.StageDownload,
			Status: domain.StatusSucceeded, HTTPCode: 200, Bytes: 4, Attempts: 2, RecordedAt: time.Now()},
		{RunID: "r1", DatastoreID: "ds", ImageSetID: "set", ImageFrameID: "f2", Stage: domain.StageDownload,
			Status: domain.StatusFailed, HTTPCode: 404, Error: "http status 404", RecordedAt: time.Now()},
	}
	if err := s.SaveOutcomes(ctx, outcomes); err != nil {
		t.Fatalf("SaveOutcomes: %v", err)
	}

	list, err := s.ListOutcomes(ctx, "r1")
	if err != nil || len(list) != 2 {
		t.Fatalf("ListOutcomes = %v, %v", list, err)
	}

	done, err := s.Completed(ctx, domain.StageDownload)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := done["ds/set/f1"]; !ok || len(done) != 1 {
		t.Errorf("Completed = %v", done)
	}

	// reopening runs the migrations again
	s2, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s2.Close()
}
