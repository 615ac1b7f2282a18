package engine

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/datallboy/ahiretrieve/internal/domain"
	"github.com/datallboy/ahiretrieve/internal/infra/config"
)

func waitForStatus(t *testing.T, m *RunManager, id string, want domain.RunStatus) *domain.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		run, err := m.Get(context.Background(), id)
		if err == nil && run.Status == want {
			return run
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s did not reach %s (last: %+v, %v)", id, want, run, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunManagerRunsQueuedRuns(t *testing.T) {
	srv := pngServer(t, grayPNG(t, 2, 2), "f2")
	a := testApp(t, srv.URL, config.FormatJPH, true)
	m := NewRunManager(a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	dir := t.TempDir()
	first, err := m.Add(ctx, []string{writeDescriptor(t, dir, "a", "f1", "f2")}, false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	second, err := m.Add(ctx, []string{writeDescriptor(t, dir, "b", "f3")}, false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if first.Status != domain.RunPending || first.TotalFrames != 2 {
		t.Errorf("unexpected new run %+v", first)
	}

	r1 := waitForStatus(t, m, first.ID, domain.RunCompleted)
	r2 := waitForStatus(t, m, second.ID, domain.RunCompleted)

	if r1.FramesDownloaded != 1 || r1.FramesFailed != 1 {
		t.Errorf("run 1 counters %+v", r1)
	}
	if r2.FramesDownloaded != 1 || r2.FinishedAt.IsZero() {
		t.Errorf("run 2 %+v", r2)
	}

	// finished runs come back from the store
	stored, err := a.Store.GetRun(ctx, first.ID)
	if err != nil || stored.Status != domain.RunCompleted {
		t.Errorf("stored run %+v, %v", stored, err)
	}

	runs, err := m.List(ctx, 10)
	if err != nil || len(runs) != 2 {
		t.Errorf("List = %d runs, %v", len(runs), err)
	}
}

func TestRunManagerCancel(t *testing.T) {
	release := make(chan struct{})
	srv := newStubAHI(t, func(w http.ResponseWriter, r *http.Request, id string, attempt int) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	a := testApp(t, srv.URL, config.FormatMem, false)
	m := NewRunManager(a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	dir := t.TempDir()
	active, err := m.Add(ctx, []string{writeDescriptor(t, dir, "a", "f1", "f2")}, false)
	if err != nil {
		t.Fatal(err)
	}
	queued, err := m.Add(ctx, []string{writeDescriptor(t, dir, "b", "f3")}, false)
	if err != nil {
		t.Fatal(err)
	}

	waitForStatus(t, m, active.ID, domain.RunDownloading)
	if m.Active() == nil {
		t.Fatal("no active run while downloading")
	}

	if !m.Cancel(queued.ID) {
		t.Fatal("Cancel(queued) = false")
	}
	waitForStatus(t, m, queued.ID, domain.RunCancelled)

	if !m.Cancel(active.ID) {
		t.Fatal("Cancel(active) = false")
	}
	run := waitForStatus(t, m, active.ID, domain.RunCancelled)
	if run.FramesDownloaded != 0 {
		t.Errorf("cancelled run downloaded %d frames", run.FramesDownloaded)
	}

	if m.Cancel(active.ID) {
		t.Error("cancelling a finished run should report false")
	}
	if _, err := m.Get(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Get(nope) err = %v", err)
	}
}

func TestRunManagerAddValidates(t *testing.T) {
	a := testApp(t, "http://localhost:1", config.FormatMem, false)
	m := NewRunManager(a)
	ctx := context.Background()

	if _, err := m.Add(ctx, nil, false); err == nil {
		t.Error("Add with no inputs should fail")
	}
	if _, err := m.Add(ctx, []string{"missing.json"}, false); err == nil {
		t.Error("Add with a missing file should fail")
	}
	input := writeDescriptor(t, t.TempDir(), "a", "f1")
	if _, err := m.Add(ctx, []string{input}, true); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("resume without store err = %v", err)
	}
}
