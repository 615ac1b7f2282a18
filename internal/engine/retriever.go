package engine

import (
	"github.com/datallboy/ahiretrieve/internal/descriptor"
	"github.com/datallboy/ahiretrieve/internal/domain"
	"github.com/datallboy/ahiretrieve/internal/infra/logger"
	"github.com/datallboy/ahiretrieve/internal/infra/metrics"
)

// Retriever turns descriptor documents into frame requests for a Scheduler.
type Retriever struct {
	scheduler *Scheduler
	log       *logger.Logger
}

func NewRetriever(cfg SchedulerConfig, sink domain.DownloadSink, log *logger.Logger, m *metrics.Metrics) (*Retriever, error) {
	if log == nil {
		log = logger.Discard()
	}

	log.Info("Starting %d download threads", cfg.Threads)

	s, err := NewScheduler(cfg, sink, log, m)
	if err != nil {
		return nil, err
	}
	return &Retriever{scheduler: s, log: log}, nil
}

// AddRequest parses a descriptor and enqueues all of its frames. It returns
// the number of frames enqueued.
func (r *Retriever) AddRequest(descriptorJSON []byte) (int, error) {
	d, err := descriptor.ParseBytes(descriptorJSON)
	if err != nil {
		return 0, err
	}
	return r.AddDescriptor(d, nil), nil
}

// AddDescriptor enqueues the frames of d, leaving out those for which skip
// returns true.
func (r *Retriever) AddDescriptor(d *descriptor.Descriptor, skip func(*domain.FrameRequest) bool) int {
	frames := d.Requests()
	if skip != nil {
		kept := frames[:0]
		for _, f := range frames {
			if !skip(f) {
				kept = append(kept, f)
			}
		}
		if skipped := len(frames) - len(kept); skipped > 0 {
			r.log.Info("Skipping %d frames of image set %s already downloaded", skipped, d.ImageSetID)
		}
		frames = kept
	}

	r.log.Debug("Adding %d frames of image set %s", len(frames), d.ImageSetID)
	r.scheduler.AddDownloadRequests(frames)
	return len(frames)
}

func (r *Retriever) IsBusy() bool            { return r.scheduler.IsBusy() }
func (r *Retriever) Wait()                   { r.scheduler.Wait() }
func (r *Retriever) Stop()                   { r.scheduler.Stop() }
func (r *Retriever) CancelAll() error        { return r.scheduler.CancelAll() }
func (r *Retriever) Pending() int64          { return r.scheduler.Pending() }
func (r *Retriever) BytesDownloaded() int64  { return r.scheduler.BytesDownloaded() }
func (r *Retriever) FramesDownloaded() int64 { return r.scheduler.FramesDownloaded() }
func (r *Retriever) FramesFailed() int64     { return r.scheduler.FramesFailed() }
func (r *Retriever) Scheduler() *Scheduler   { return r.scheduler }
