package sink

import (
	"context"
	"sync"
	"time"

	"github.com/datallboy/ahiretrieve/internal/domain"
	"github.com/datallboy/ahiretrieve/internal/infra/logger"
)

// OutcomeStore persists frame outcomes.
type OutcomeStore interface {
	SaveOutcomes(ctx context.Context, outcomes []domain.FrameOutcome) error
}

const (
	recorderBatch    = 256
	recorderInterval = 500 * time.Millisecond
)

// Recorder persists every outcome passing through it, then forwards it.
// Writes are batched on a background goroutine so the download and decode
// workers never wait on the database.
type Recorder struct {
	runID string
	store OutcomeStore
	next  domain.DownloadSink
	log   *logger.Logger

	outcomes  chan domain.FrameOutcome
	done      chan struct{}
	closeOnce sync.Once
}

func NewRecorder(runID string, store OutcomeStore, next domain.DownloadSink, log *logger.Logger) *Recorder {
	r := &Recorder{
		runID:    runID,
		store:    store,
		next:     next,
		log:      log.With("recorder"),
		outcomes: make(chan domain.FrameOutcome, recorderBatch*4),
		done:     make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Recorder) FrameComplete(req *domain.FrameRequest) {
	r.outcomes <- domain.DownloadOutcome(r.runID, req)
	if r.next != nil {
		r.next.FrameComplete(req)
	}
}

// WrapDecode returns a DecodeSink that records decode outcomes before
// forwarding them to next.
func (r *Recorder) WrapDecode(next domain.DecodeSink) domain.DecodeSink {
	return &decodeRecorder{r: r, next: next}
}

// Close flushes pending outcomes. Outcomes delivered after Close panic.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.outcomes)
		<-r.done
	})
	return nil
}

func (r *Recorder) loop() {
	defer close(r.done)

	ticker := time.NewTicker(recorderInterval)
	defer ticker.Stop()

	batch := make([]domain.FrameOutcome, 0, recorderBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.store.SaveOutcomes(ctx, batch); err != nil {
			r.log.Error("save %d outcomes: %v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case o, ok := <-r.outcomes:
			if !ok {
				flush()
				return
			}
			batch = append(batch, o)
			if len(batch) >= recorderBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

type decodeRecorder struct {
	r    *Recorder
	next domain.DecodeSink
}

func (d *decodeRecorder) FrameDecoded(task *domain.DecodeTask) {
	d.r.outcomes <- domain.DecodeOutcome(d.r.runID, task)
	d.next.FrameDecoded(task)
}

func (d *decodeRecorder) FrameDecodeFailed(task *domain.DecodeTask) {
	d.r.outcomes <- domain.DecodeOutcome(d.r.runID, task)
	d.next.FrameDecodeFailed(task)
}
