package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datallboy/ahiretrieve/internal/ahi"
	"github.com/datallboy/ahiretrieve/internal/domain"
	"github.com/datallboy/ahiretrieve/internal/infra/logger"
	"github.com/datallboy/ahiretrieve/internal/infra/metrics"
)

type SchedulerConfig struct {
	Endpoint                           string
	Threads                            int
	ConnectionsPerThread               int
	MaxConcurrentRequestsPerConnection int
	PollTimeout                        time.Duration

	// Connection is the template for every connection. MaxConcurrentRequests,
	// Logger and Metrics are filled in by the scheduler.
	Connection ahi.Options
}

func (c SchedulerConfig) validate() error {
	if c.Endpoint == "" {
		return &domain.ConfigError{Field: "aws.endpoint", Reason: "is required"}
	}
	if c.Threads <= 0 {
		return &domain.ConfigError{Field: "download.threads", Reason: "must be greater than 0"}
	}
	if c.ConnectionsPerThread <= 0 {
		return &domain.ConfigError{Field: "download.connections_per_thread", Reason: "must be greater than 0"}
	}
	if c.MaxConcurrentRequestsPerConnection <= 0 {
		return &domain.ConfigError{Field: "download.max_concurrent_requests_per_connection", Reason: "must be greater than 0"}
	}
	if c.PollTimeout <= 0 {
		return &domain.ConfigError{Field: "download.poll_timeout", Reason: "must be greater than 0"}
	}
	return nil
}

// Scheduler fans a shared FIFO of frame requests out over Threads workers,
// each driving ConnectionsPerThread connections. Terminal outcomes are
// forwarded to the sink from the worker goroutines.
type Scheduler struct {
	cfg     SchedulerConfig
	sink    domain.DownloadSink
	log     *logger.Logger
	metrics *metrics.Metrics

	// lifecycle serializes Start, Stop and CancelAll.
	lifecycle sync.Mutex

	mu        sync.Mutex
	work      *sync.Cond // queue grew, or terminate was set
	settled   *sync.Cond // pending reached zero
	queue     []*domain.FrameRequest
	pending   int64
	terminate bool
	running   bool
	wg        sync.WaitGroup

	bytesDownloaded  atomic.Int64
	framesDownloaded atomic.Int64
	framesFailed     atomic.Int64
}

// NewScheduler validates cfg and starts the workers.
func NewScheduler(cfg SchedulerConfig, sink domain.DownloadSink, log *logger.Logger, m *metrics.Metrics) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = domain.DownloadSinkFunc(func(*domain.FrameRequest) {})
	}
	if log == nil {
		log = logger.Discard()
	}

	s := &Scheduler{
		cfg:     cfg,
		sink:    sink,
		log:     log,
		metrics: m,
	}
	s.work = sync.NewCond(&s.mu)
	s.settled = sync.NewCond(&s.mu)

	if err := s.Start(); err != nil {
		return nil, err
	}
	return s, nil
}

// AddDownloadRequests enqueues a batch and wakes every worker. Requests added
// while the scheduler is stopped wait for the next Start.
func (s *Scheduler) AddDownloadRequests(batch []*domain.FrameRequest) {
	if len(batch) == 0 {
		return
	}

	s.mu.Lock()
	s.queue = append(s.queue, batch...)
	s.pending += int64(len(batch))
	pending := s.pending
	s.mu.Unlock()

	s.metrics.SetPending(pending)
	s.work.Broadcast()
}

// Start launches the workers and their connections. It is a no-op when the
// scheduler is already running.
func (s *Scheduler) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.start()
}

func (s *Scheduler) start() error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return nil
	}

	workers := make([][]*ahi.Connection, s.cfg.Threads)
	for i := range workers {
		workers[i] = make([]*ahi.Connection, s.cfg.ConnectionsPerThread)
		for j := range workers[i] {
			c, err := s.newConnection(i, j)
			if err != nil {
				closeAll(workers)
				return fmt.Errorf("create connection DT#%d C#%d: %w", i, j, err)
			}
			workers[i][j] = c
		}
	}

	s.mu.Lock()
	s.terminate = false
	s.running = true
	s.mu.Unlock()

	for i, conns := range workers {
		s.wg.Add(1)
		go s.worker(i, conns)
	}

	s.log.Debug("started %d download threads with %d connections each", s.cfg.Threads, s.cfg.ConnectionsPerThread)
	return nil
}

func (s *Scheduler) newConnection(thread, index int) (*ahi.Connection, error) {
	opts := s.cfg.Connection
	opts.MaxConcurrentRequests = s.cfg.MaxConcurrentRequestsPerConnection
	opts.Logger = s.log.With(fmt.Sprintf("DT#%d", thread)).With(fmt.Sprintf("C#%d", index))
	opts.Metrics = s.metrics
	return ahi.NewConnection(s.cfg.Endpoint, s.frameComplete, opts)
}

func closeAll(workers [][]*ahi.Connection) {
	for _, conns := range workers {
		for _, c := range conns {
			if c != nil {
				c.Close()
			}
		}
	}
}

// worker drives the event loop of one thread: tick every connection, then
// top each one up from the shared queue.
func (s *Scheduler) worker(id int, conns []*ahi.Connection) {
	defer s.wg.Done()
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	log := s.log.With(fmt.Sprintf("DT#%d", id))
	assigned := make([][]*domain.FrameRequest, len(conns))

	for {
		inFlight := 0
		for i, c := range conns {
			n := c.Tick(s.cfg.PollTimeout)
			if n == ahi.TickClosed {
				log.Error("connection C#%d closed, replacing it", i)
				replacement, err := s.newConnection(id, i)
				if err != nil {
					log.Error("replace connection C#%d: %v", i, err)
					continue
				}
				conns[i] = replacement
				continue
			}
			inFlight += n
		}

		s.mu.Lock()
		if s.terminate {
			s.mu.Unlock()
			return
		}
		for len(s.queue) == 0 && inFlight == 0 && !s.terminate {
			s.work.Wait()
		}
		if s.terminate {
			s.mu.Unlock()
			return
		}

		for i, c := range conns {
			available := s.cfg.MaxConcurrentRequestsPerConnection - c.RequestCount()
			n := min(available, len(s.queue))
			if n <= 0 {
				assigned[i] = assigned[i][:0]
				continue
			}
			assigned[i] = append(assigned[i][:0], s.queue[:n]...)
			clear(s.queue[:n])
			s.queue = s.queue[n:]
		}
		s.mu.Unlock()

		// attempts are composed and signed outside the lock
		for i, c := range conns {
			for _, frame := range assigned[i] {
				c.AddRequest(frame)
			}
			clear(assigned[i])
		}
	}
}

// frameComplete runs on a worker goroutine, never under s.mu. The sink sees
// the frame before pending is decremented, so Wait returning implies every
// outcome has been delivered.
func (s *Scheduler) frameComplete(frame *domain.FrameRequest) {
	if frame.Status == domain.StatusSucceeded {
		s.bytesDownloaded.Add(int64(len(frame.Bytes)))
		s.framesDownloaded.Add(1)
	} else {
		s.framesFailed.Add(1)
	}
	s.metrics.FrameComplete(frame.Status.String(), len(frame.Bytes), frame.Elapsed)

	s.sink.FrameComplete(frame)

	s.mu.Lock()
	s.pending--
	pending := s.pending
	s.mu.Unlock()

	s.metrics.SetPending(pending)
	if pending == 0 {
		s.settled.Broadcast()
	}
}

// IsBusy reports whether any enqueued request has not reached a terminal outcome.
func (s *Scheduler) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != 0
}

// Wait blocks until every enqueued request has reached a terminal outcome, or
// the scheduler is stopped.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending != 0 {
		s.settled.Wait()
	}
}

// Stop joins every worker, closing its connections, then drops the queue and
// resets the pending count. In-flight attempts are abandoned. Calling Stop on
// a stopped scheduler does nothing.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stop()
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.terminate = true
	s.mu.Unlock()

	s.work.Broadcast()
	s.wg.Wait()

	s.mu.Lock()
	dropped := len(s.queue)
	s.queue = nil
	s.pending = 0
	s.running = false
	s.mu.Unlock()

	s.metrics.SetPending(0)
	s.settled.Broadcast()
	s.log.Debug("download threads stopped, %d queued requests dropped", dropped)
}

// CancelAll abandons all queued and in-flight requests and leaves the
// scheduler running with fresh workers and connections.
func (s *Scheduler) CancelAll() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.stop()
	return s.start()
}

// Pending returns the number of requests that have not reached a terminal outcome.
func (s *Scheduler) Pending() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Queued returns the number of requests not yet assigned to a connection.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) BytesDownloaded() int64  { return s.bytesDownloaded.Load() }
func (s *Scheduler) FramesDownloaded() int64 { return s.framesDownloaded.Load() }
func (s *Scheduler) FramesFailed() int64     { return s.framesFailed.Load() }
