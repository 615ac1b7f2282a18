package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/datallboy/ahiretrieve/internal/app"
	"github.com/datallboy/ahiretrieve/internal/descriptor"
	"github.com/datallboy/ahiretrieve/internal/domain"
	"github.com/datallboy/ahiretrieve/internal/store"
)

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

type runItem struct {
	run    *domain.Run
	resume bool

	cancel   context.CancelFunc
	pipeline *Pipeline
}

// RunManager queues retrievals and runs them one at a time, each on a fresh
// pipeline. Run records are persisted through the store when one is configured.
type RunManager struct {
	mu     sync.RWMutex
	app    *app.Context
	queue  []*runItem
	active *runItem

	// finished keeps completed runs when there is no store to ask.
	finished map[string]*domain.Run

	newJobChan chan struct{}
}

func NewRunManager(a *app.Context) *RunManager {
	return &RunManager{
		app:        a,
		finished:   make(map[string]*domain.Run),
		newJobChan: make(chan struct{}, 1),
	}
}

// Add validates the descriptor files and queues a run for them.
func (m *RunManager) Add(ctx context.Context, inputs []string, resume bool) (*domain.Run, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: at least one input is required", descriptor.ErrInvalid)
	}
	if resume && m.app.Store == nil && m.app.Bucket == nil {
		return nil, &domain.ConfigError{Field: "store.driver", Reason: "resume of mem output needs a store"}
	}

	var total int64
	for _, path := range inputs {
		d, err := descriptor.ParseFile(path)
		if err != nil {
			return nil, err
		}
		total += int64(d.FrameCount())
	}

	run := &domain.Run{
		ID:          ksuid.New().String(),
		Inputs:      inputs,
		Status:      domain.RunPending,
		TotalFrames: total,
		StartedAt:   time.Now(),
	}

	// Save to database
	if err := m.save(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}

	m.mu.Lock()
	m.queue = append(m.queue, &runItem{run: run, resume: resume})
	m.mu.Unlock()

	// Signal the Start() loop that there is work to do
	select {
	case m.newJobChan <- struct{}{}:
	default:
	}

	return snapshot(run), nil
}

// Start processes queued runs until ctx is done.
func (m *RunManager) Start(ctx context.Context) {
	for {
		var next *runItem

		m.mu.RLock()
		for _, itm := range m.queue {
			if itm.run.Status == domain.RunPending {
				next = itm
				break
			}
		}
		m.mu.RUnlock()

		if next == nil {
			select {
			case <-m.newJobChan:
				continue
			case <-ctx.Done():
				return
			}
		}

		jobCtx, cancel := context.WithCancel(ctx)
		m.mu.Lock()
		if next.run.Status != domain.RunPending {
			// cancelled between the scan and here
			m.mu.Unlock()
			cancel()
			continue
		}
		m.active = next
		next.cancel = cancel
		m.mu.Unlock()

		err := m.execute(jobCtx, next)
		m.finalize(next, err)
		cancel()
	}
}

func (m *RunManager) execute(ctx context.Context, item *runItem) error {
	log := m.app.Logger.With("run " + item.run.ID)

	p, err := NewPipeline(m.app, item.run.ID)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Error("close pipeline: %v", err)
		}
	}()

	m.mu.Lock()
	item.pipeline = p
	m.mu.Unlock()

	m.updateStatus(ctx, item, domain.RunDownloading)

	n, err := p.EnqueueFiles(ctx, item.run.Inputs, item.resume)
	if err != nil {
		return err
	}
	log.Info("Retrieving %d frames", n)

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if err := p.CancelAll(); err != nil {
			log.Error("cancel: %v", err)
		}
		<-done
	}

	m.mu.Lock()
	m.collect(item)
	m.mu.Unlock()

	return ctx.Err()
}

// collect copies the live counters onto the run record. Callers hold m.mu.
func (m *RunManager) collect(item *runItem) {
	if item.pipeline == nil {
		return
	}
	r := item.pipeline.Retriever
	item.run.FramesDownloaded = r.FramesDownloaded()
	item.run.FramesFailed = r.FramesFailed()
	item.run.BytesDownloaded = r.BytesDownloaded()
}

// Get returns a run from the live queue, the finished runs, or the store.
func (m *RunManager) Get(ctx context.Context, id string) (*domain.Run, error) {
	m.mu.Lock()
	for _, item := range m.queue {
		if item.run.ID == id {
			if item == m.active {
				m.collect(item)
			}
			run := snapshot(item.run)
			m.mu.Unlock()
			return run, nil
		}
	}
	if run, ok := m.finished[id]; ok {
		m.mu.Unlock()
		return snapshot(run), nil
	}
	m.mu.Unlock()

	if m.app.Store == nil {
		return nil, ErrRunNotFound
	}
	run, err := m.app.Store.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// List returns the live queue followed by recent finished runs.
func (m *RunManager) List(ctx context.Context, limit int) ([]*domain.Run, error) {
	m.mu.Lock()
	runs := make([]*domain.Run, 0, len(m.queue))
	seen := make(map[string]struct{}, len(m.queue))
	for _, item := range m.queue {
		if item == m.active {
			m.collect(item)
		}
		runs = append(runs, snapshot(item.run))
		seen[item.run.ID] = struct{}{}
	}
	var finished []*domain.Run
	if m.app.Store == nil {
		for _, run := range m.finished {
			finished = append(finished, snapshot(run))
		}
	}
	m.mu.Unlock()

	if m.app.Store != nil {
		var err error
		finished, err = m.app.Store.ListRuns(ctx, limit)
		if err != nil {
			return nil, err
		}
	}
	for _, run := range finished {
		if _, ok := seen[run.ID]; !ok {
			runs = append(runs, run)
		}
	}
	return runs, nil
}

// Active returns the run being retrieved with live counters, or nil.
func (m *RunManager) Active() *domain.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	m.collect(m.active)
	return snapshot(m.active.run)
}

// Cancel stops a pending or running run. It returns false when the run is
// unknown or already finished.
func (m *RunManager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range m.queue {
		if item.run.ID != id {
			continue
		}
		if item.cancel != nil {
			item.cancel()
		} else {
			// never started; Start skips anything that is not pending
			item.run.Status = domain.RunCancelled
			item.run.FinishedAt = time.Now()
			m.retire(item)
			_ = m.saveLocked(item.run)
		}
		return true
	}
	return false
}

// updateStatus changes the status and saves to DB immediately
func (m *RunManager) updateStatus(ctx context.Context, item *runItem, status domain.RunStatus) {
	m.mu.Lock()
	item.run.Status = status
	run := snapshot(item.run)
	m.mu.Unlock()

	if err := m.save(ctx, run); err != nil {
		m.app.Logger.Error("save run %s: %v", run.ID, err)
	}
}

func (m *RunManager) finalize(item *runItem, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case errors.Is(err, context.Canceled):
		item.run.Status = domain.RunCancelled
		item.run.Error = "cancelled"
	case err != nil:
		item.run.Status = domain.RunFailed
		item.run.Error = err.Error()
	default:
		item.run.Status = domain.RunCompleted
	}
	item.run.FinishedAt = time.Now()

	m.app.Logger.Info("Run %s %s: %d frames downloaded, %d failed", item.run.ID, item.run.Status,
		item.run.FramesDownloaded, item.run.FramesFailed)

	// Persist the final outcome
	if err := m.saveLocked(item.run); err != nil {
		m.app.Logger.Error("save run %s: %v", item.run.ID, err)
	}

	m.active = nil
	m.retire(item)
}

// retire removes a finished item from the live queue. Callers hold m.mu.
func (m *RunManager) retire(item *runItem) {
	for i, itm := range m.queue {
		if itm == item {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	if m.app.Store == nil {
		m.finished[item.run.ID] = item.run
	}
}

func (m *RunManager) save(ctx context.Context, run *domain.Run) error {
	if m.app.Store == nil {
		return nil
	}
	return m.app.Store.SaveRun(ctx, run)
}

// saveLocked persists with a fresh context; the run's own context may already
// be cancelled.
func (m *RunManager) saveLocked(run *domain.Run) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.save(ctx, run)
}

func snapshot(run *domain.Run) *domain.Run {
	cp := *run
	cp.Inputs = append([]string(nil), run.Inputs...)
	return &cp
}
