package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/datallboy/ahiretrieve/internal/domain"
	"github.com/datallboy/ahiretrieve/internal/infra/logger"
)

// stubAHI is an h2c GetImageFrame stub that tracks attempts per frame and
// peak concurrency per client connection.
type stubAHI struct {
	*httptest.Server

	mu       sync.Mutex
	attempts map[string]int
	inFlight map[string]int
	peak     map[string]int
}

type respondFunc func(w http.ResponseWriter, r *http.Request, frameID string, attempt int)

func newStubAHI(t *testing.T, respond respondFunc) *stubAHI {
	t.Helper()

	s := &stubAHI{
		attempts: make(map[string]int),
		inFlight: make(map[string]int),
		peak:     make(map[string]int),
	}

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ImageFrameID string `json:"imageFrameId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		s.attempts[body.ImageFrameID]++
		attempt := s.attempts[body.ImageFrameID]
		s.inFlight[r.RemoteAddr]++
		if s.inFlight[r.RemoteAddr] > s.peak[r.RemoteAddr] {
			s.peak[r.RemoteAddr] = s.inFlight[r.RemoteAddr]
		}
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			s.inFlight[r.RemoteAddr]--
			s.mu.Unlock()
		}()

		respond(w, r, body.ImageFrameID, attempt)
	})

	s.Server = httptest.NewServer(h2c.NewHandler(h, &http2.Server{MaxConcurrentStreams: 250}))
	t.Cleanup(s.Close)
	return s
}

func (s *stubAHI) Attempts(frameID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[frameID]
}

func (s *stubAHI) PeakPerConnection() (peak int, conns int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peak {
		peak = max(peak, p)
	}
	return peak, len(s.peak)
}

// outcomes counts terminal deliveries per frame.
type outcomes struct {
	mu     sync.Mutex
	frames map[string][]*domain.FrameRequest
}

func newOutcomes() *outcomes {
	return &outcomes{frames: make(map[string][]*domain.FrameRequest)}
}

func (o *outcomes) FrameComplete(f *domain.FrameRequest) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames[f.ImageFrameID] = append(o.frames[f.ImageFrameID], f)
}

func (o *outcomes) get(id string) []*domain.FrameRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frames[id]
}

func (o *outcomes) total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, fs := range o.frames {
		n += len(fs)
	}
	return n
}

func testConfig(endpoint string) SchedulerConfig {
	return SchedulerConfig{
		Endpoint:                           endpoint,
		Threads:                            2,
		ConnectionsPerThread:               2,
		MaxConcurrentRequestsPerConnection: 4,
		PollTimeout:                        10 * time.Millisecond,
	}
}

func newTestScheduler(t *testing.T, cfg SchedulerConfig, sink domain.DownloadSink) *Scheduler {
	t.Helper()
	s, err := NewScheduler(cfg, sink, logger.Discard(), nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func frames(ids ...string) []*domain.FrameRequest {
	out := make([]*domain.FrameRequest, len(ids))
	for i, id := range ids {
		out[i] = domain.NewFrameRequest("ds", "set", id, 0)
	}
	return out
}

// waitWithTimeout fails the test instead of hanging when Wait never returns.
func waitWithTimeout(t *testing.T, s *Scheduler) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("wait timed out with %d pending", s.Pending())
	}
}

func TestSchedulerDownloadsBatch(t *testing.T) {
	bodies := map[string]string{"f1": "aaaa", "f2": "bbbbbbbb", "f3": "cc"}
	srv := newStubAHI(t, func(w http.ResponseWriter, _ *http.Request, id string, _ int) {
		w.Write([]byte(bodies[id]))
	})

	got := newOutcomes()
	s := newTestScheduler(t, testConfig(srv.URL), got)

	s.AddDownloadRequests(frames("f1", "f2", "f3"))
	waitWithTimeout(t, s)

	if s.FramesDownloaded() != 3 {
		t.Errorf("expected 3 frames downloaded, got %d", s.FramesDownloaded())
	}
	if s.BytesDownloaded() != 14 {
		t.Errorf("expected 14 bytes downloaded, got %d", s.BytesDownloaded())
	}
	if s.IsBusy() || s.Pending() != 0 {
		t.Errorf("expected scheduler idle, pending %d", s.Pending())
	}
	for id, body := range bodies {
		fs := got.get(id)
		if len(fs) != 1 || string(fs[0].Bytes) != body {
			t.Errorf("frame %s: expected one outcome with body %q, got %d", id, body, len(fs))
		}
	}
}

func TestSchedulerThrottledFrameCompletesOnce(t *testing.T) {
	srv := newStubAHI(t, func(w http.ResponseWriter, _ *http.Request, id string, attempt int) {
		if id == "f1" && attempt <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("0123456789"))
	})

	got := newOutcomes()
	s := newTestScheduler(t, testConfig(srv.URL), got)

	s.AddDownloadRequests(frames("f1", "f2"))
	waitWithTimeout(t, s)

	fs := got.get("f1")
	if len(fs) != 1 {
		t.Fatalf("expected exactly one outcome for f1, got %d", len(fs))
	}
	if fs[0].Status != domain.StatusSucceeded {
		t.Errorf("expected f1 to succeed, got %s", fs[0].Status)
	}
	if srv.Attempts("f1") != 3 {
		t.Errorf("expected 3 attempts for f1, got %d", srv.Attempts("f1"))
	}
	if s.Pending() != 0 {
		t.Errorf("expected pending 0, got %d", s.Pending())
	}
	// throttled bodies never count
	if s.BytesDownloaded() != 20 {
		t.Errorf("expected 20 bytes downloaded, got %d", s.BytesDownloaded())
	}
}

func TestSchedulerPermanentFailureDoesNotAbortBatch(t *testing.T) {
	srv := newStubAHI(t, func(w http.ResponseWriter, _ *http.Request, id string, _ int) {
		if id == "bad" {
			http.Error(w, "internal", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	})

	got := newOutcomes()
	s := newTestScheduler(t, testConfig(srv.URL), got)

	s.AddDownloadRequests(frames("good1", "bad", "good2"))
	waitWithTimeout(t, s)

	bad := got.get("bad")
	if len(bad) != 1 {
		t.Fatalf("expected one outcome for bad, got %d", len(bad))
	}
	if bad[0].Status != domain.StatusFailed || bad[0].HTTPCode != http.StatusInternalServerError {
		t.Errorf("expected failed/500, got %s/%d", bad[0].Status, bad[0].HTTPCode)
	}
	if !errors.Is(bad[0].Err, domain.ErrPermanentHTTP) {
		t.Errorf("expected permanent http error, got %v", bad[0].Err)
	}

	for _, id := range []string{"good1", "good2"} {
		fs := got.get(id)
		if len(fs) != 1 || fs[0].Status != domain.StatusSucceeded {
			t.Errorf("expected %s to succeed once", id)
		}
	}
	if s.FramesDownloaded() != 2 || s.FramesFailed() != 1 {
		t.Errorf("expected 2 downloaded and 1 failed, got %d and %d", s.FramesDownloaded(), s.FramesFailed())
	}
	if s.BytesDownloaded() != 4 {
		t.Errorf("expected failure bodies excluded from bytes, got %d", s.BytesDownloaded())
	}
}

func TestSchedulerRespectsConnectionCapacity(t *testing.T) {
	srv := newStubAHI(t, func(w http.ResponseWriter, _ *http.Request, _ string, _ int) {
		time.Sleep(5 * time.Millisecond)
		w.Write([]byte("x"))
	})

	cfg := testConfig(srv.URL)
	cfg.MaxConcurrentRequestsPerConnection = 3

	got := newOutcomes()
	s := newTestScheduler(t, cfg, got)

	ids := make([]string, 60)
	for i := range ids {
		ids[i] = fmt.Sprintf("frame-%d", i)
	}
	s.AddDownloadRequests(frames(ids...))
	waitWithTimeout(t, s)

	if got.total() != len(ids) {
		t.Fatalf("expected %d outcomes, got %d", len(ids), got.total())
	}
	peak, conns := srv.PeakPerConnection()
	if peak > cfg.MaxConcurrentRequestsPerConnection {
		t.Errorf("expected at most %d concurrent requests per connection, saw %d", cfg.MaxConcurrentRequestsPerConnection, peak)
	}
	if conns > cfg.Threads*cfg.ConnectionsPerThread {
		t.Errorf("expected at most %d client connections, saw %d", cfg.Threads*cfg.ConnectionsPerThread, conns)
	}
}

func TestSchedulerStopDoesNotHang(t *testing.T) {
	srv := newStubAHI(t, func(w http.ResponseWriter, r *http.Request, _ string, _ int) {
		select {
		case <-time.After(50 * time.Millisecond):
			w.Write([]byte("late"))
		case <-r.Context().Done():
		}
	})

	cfg := testConfig(srv.URL)
	cfg.Threads = 2
	cfg.ConnectionsPerThread = 1
	cfg.MaxConcurrentRequestsPerConnection = 5

	s := newTestScheduler(t, cfg, newOutcomes())

	ids := make([]string, 100)
	for i := range ids {
		ids[i] = fmt.Sprintf("f%d", i)
	}
	s.AddDownloadRequests(frames(ids...))

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("stop did not return")
	}

	if s.IsBusy() || s.Pending() != 0 || s.Queued() != 0 {
		t.Errorf("expected idle scheduler after stop, pending %d queued %d", s.Pending(), s.Queued())
	}

	// a second stop is a no-op
	s.Stop()
	waitWithTimeout(t, s)
}

func TestSchedulerCancelAllKeepsRunning(t *testing.T) {
	block := make(chan struct{})
	srv := newStubAHI(t, func(w http.ResponseWriter, r *http.Request, id string, _ int) {
		if strings.HasPrefix(id, "slow") {
			select {
			case <-block:
			case <-r.Context().Done():
				return
			}
		}
		w.Write([]byte(id))
	})
	defer close(block)

	got := newOutcomes()
	s := newTestScheduler(t, testConfig(srv.URL), got)

	s.AddDownloadRequests(frames("slow1", "slow2"))
	if err := s.CancelAll(); err != nil {
		t.Fatalf("cancel all: %v", err)
	}
	if s.Pending() != 0 {
		t.Fatalf("expected pending reset, got %d", s.Pending())
	}

	s.AddDownloadRequests(frames("after"))
	waitWithTimeout(t, s)

	if fs := got.get("after"); len(fs) != 1 || fs[0].Status != domain.StatusSucceeded {
		t.Errorf("expected requests after CancelAll to complete")
	}
	if len(got.get("slow1"))+len(got.get("slow2")) != 0 {
		t.Errorf("expected cancelled requests to produce no outcome")
	}
}

func TestNewSchedulerValidates(t *testing.T) {
	cases := map[string]func(*SchedulerConfig){
		"endpoint":    func(c *SchedulerConfig) { c.Endpoint = "" },
		"threads":     func(c *SchedulerConfig) { c.Threads = 0 },
		"connections": func(c *SchedulerConfig) { c.ConnectionsPerThread = -1 },
		"concurrency": func(c *SchedulerConfig) { c.MaxConcurrentRequestsPerConnection = 0 },
		"poll":        func(c *SchedulerConfig) { c.PollTimeout = 0 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig("http://127.0.0.1:1")
			mutate(&cfg)
			if _, err := NewScheduler(cfg, nil, nil, nil); !errors.Is(err, domain.ErrConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestRetrieverAddRequest(t *testing.T) {
	srv := newStubAHI(t, func(w http.ResponseWriter, _ *http.Request, id string, _ int) {
		w.Write([]byte(id))
	})

	got := newOutcomes()
	r, err := NewRetriever(testConfig(srv.URL), got, logger.Discard(), nil)
	if err != nil {
		t.Fatalf("new retriever: %v", err)
	}
	defer r.Stop()

	doc := `{"DatastoreID":"ds","ImageSetID":"set","Study":{"Series":{"s":{"Instances":{"i":{"ImageFrames":[
		{"ID":"one","FrameSizeInBytes":3},{"ID":"two","FrameSizeInBytes":3}]}}}}}}`

	n, err := r.AddRequest([]byte(doc))
	if err != nil {
		t.Fatalf("add request: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 frames enqueued, got %d", n)
	}

	r.Wait()
	if r.FramesDownloaded() != 2 || r.BytesDownloaded() != 6 {
		t.Errorf("expected 2 frames / 6 bytes, got %d / %d", r.FramesDownloaded(), r.BytesDownloaded())
	}

	if _, err := r.AddRequest([]byte(`{}`)); err == nil {
		t.Error("expected error for invalid descriptor")
	}
}
