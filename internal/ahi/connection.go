package ahi

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/datallboy/ahiretrieve/internal/domain"
	"github.com/datallboy/ahiretrieve/internal/infra/logger"
	"github.com/datallboy/ahiretrieve/internal/infra/metrics"
)

// TickClosed is returned by Tick once the connection has been closed.
const TickClosed = -1

// CompletionFunc receives a frame once it reaches a terminal outcome. It is
// called from the goroutine that drives Tick.
type CompletionFunc func(frame *domain.FrameRequest)

type Options struct {
	// MaxConcurrentRequests is advisory; the caller keeps RequestCount below it.
	MaxConcurrentRequests int

	// RequestOptions run in order on every attempt (signing, session token, user agent).
	RequestOptions []RequestOption

	// Limiter paces attempts. Nil disables pacing.
	Limiter *rate.Limiter

	TLSConfig *tls.Config
	Tracer    trace.Tracer
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
}

// Connection drives many concurrent GetImageFrame attempts over a single
// multiplexed HTTP/2 connection. It is not safe for concurrent use: AddRequest,
// Tick and RequestCount belong to the worker that owns the connection.
type Connection struct {
	endpoint   string
	opts       Options
	transport  *http2.Transport
	onComplete CompletionFunc
	log        *logger.Logger
	tracer     trace.Tracer
	metrics    *metrics.Metrics

	slots  map[uint64]*slot
	nextID uint64
	done   chan completion

	ctx       context.Context
	cancel    context.CancelFunc
	attempts  sync.WaitGroup
	closeOnce sync.Once
}

// slot binds one in-flight attempt to its frame.
type slot struct {
	frame *domain.FrameRequest
	span  trace.Span
}

type completion struct {
	id      uint64
	code    int
	body    []byte
	err     error
	elapsed time.Duration
}

// NewConnection creates a connection to endpoint. The underlying TCP
// connection is dialed lazily by the first attempt.
func NewConnection(endpoint string, onComplete CompletionFunc, opts Options) (*Connection, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, &domain.ConfigError{Field: "endpoint", Reason: fmt.Sprintf("invalid url %q", endpoint)}
	}
	if opts.MaxConcurrentRequests <= 0 {
		return nil, &domain.ConfigError{Field: "download.max_concurrent_requests_per_connection", Reason: "must be greater than 0"}
	}
	if onComplete == nil {
		onComplete = func(*domain.FrameRequest) {}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Connection{
		endpoint:   endpoint,
		opts:       opts,
		transport:  newTransport(u.Scheme, opts.TLSConfig),
		onComplete: onComplete,
		log:        opts.Logger,
		tracer:     opts.Tracer,
		metrics:    opts.Metrics,
		slots:      make(map[uint64]*slot),
		done:       make(chan completion, opts.MaxConcurrentRequests),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// newTransport returns a transport that keeps every stream on one connection:
// with StrictMaxConcurrentStreams set, extra streams wait for a free slot
// instead of dialing a second connection. Plain http endpoints use h2c.
func newTransport(scheme string, tlsConfig *tls.Config) *http2.Transport {
	t := &http2.Transport{
		TLSClientConfig:            tlsConfig,
		StrictMaxConcurrentStreams: true,
		ReadIdleTimeout:            30 * time.Second,
		PingTimeout:                15 * time.Second,
	}

	if scheme == "http" {
		t.AllowHTTP = true
		t.DialTLSContext = func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}
	}

	return t
}

// AddRequest starts a new attempt for frame under a fresh attempt id. A request
// that cannot be composed is logged and dropped.
func (c *Connection) AddRequest(frame *domain.FrameRequest) {
	if c.ctx.Err() != nil {
		return
	}

	c.nextID++
	id := c.nextID

	ctx, span := c.tracer.Start(c.ctx, "GetImageFrame", trace.WithAttributes(
		attribute.String("ahi.datastore_id", frame.DatastoreID),
		attribute.String("ahi.image_set_id", frame.ImageSetID),
		attribute.String("ahi.image_frame_id", frame.ImageFrameID),
		attribute.Int("ahi.attempt", frame.Attempts+1),
	))

	req, err := NewFrameRequest(ctx, c.endpoint, frame, c.opts.RequestOptions...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compose request")
		span.End()
		c.log.Error("dropping frame %s: compose request: %v", frame.ImageFrameID, err)
		return
	}

	c.slots[id] = &slot{frame: frame, span: span}
	c.metrics.AttemptStarted()

	// The attempt owns frame.Bytes until Tick harvests its completion.
	c.attempts.Add(1)
	go c.attempt(ctx, id, req, frame.Bytes[:0], frame.ExpectedSize)
}

// attempt performs the round trip, reading the body into buf. It never touches
// the frame; the body is handed back through the completion and applied by Tick.
func (c *Connection) attempt(ctx context.Context, id uint64, req *http.Request, buf []byte, sizeHint int64) {
	defer c.attempts.Done()

	start := time.Now()
	comp := completion{id: id, body: buf}

	if c.opts.Limiter != nil {
		if err := c.opts.Limiter.Wait(ctx); err != nil {
			comp.err = err
			c.post(comp)
			return
		}
	}

	resp, err := c.transport.RoundTrip(req)
	if err != nil {
		comp.err = err
	} else {
		if resp.StatusCode == http.StatusOK {
			size := sizeHint
			if resp.ContentLength > size {
				size = resp.ContentLength
			}
			if size > int64(cap(buf)) {
				buf = slices.Grow(buf, int(size))
			}
		}
		comp.body, comp.err = readBody(resp.Body, buf)
		resp.Body.Close()
		comp.code = resp.StatusCode
	}
	comp.elapsed = time.Since(start)

	c.post(comp)
}

// readBody appends r to buf. It grows buf only when the body is longer than
// its capacity, so a body that fits exactly keeps the original array.
func readBody(r io.Reader, buf []byte) ([]byte, error) {
	var probe [1]byte
	for {
		if len(buf) == cap(buf) {
			n, err := r.Read(probe[:])
			if n > 0 {
				buf = append(slices.Grow(buf, bytes.MinRead), probe[0])
			}
			if err == io.EOF {
				return buf, nil
			}
			if err != nil {
				return buf, err
			}
			continue
		}
		n, err := r.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
	}
}

func (c *Connection) post(comp completion) {
	select {
	case c.done <- comp:
	case <-c.ctx.Done():
	}
}

// Tick waits up to timeout for an attempt to finish, then harvests every
// finished attempt without blocking again. It returns the number of attempts
// still registered, or TickClosed once the connection is closed.
func (c *Connection) Tick(timeout time.Duration) int {
	if c.ctx.Err() != nil {
		return TickClosed
	}
	if len(c.slots) == 0 {
		return 0
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case comp := <-c.done:
		c.harvest(comp)
	case <-timer.C:
		return len(c.slots)
	case <-c.ctx.Done():
		return TickClosed
	}

	for {
		select {
		case comp := <-c.done:
			c.harvest(comp)
		default:
			return len(c.slots)
		}
	}
}

// RequestCount returns the number of registered attempts.
func (c *Connection) RequestCount() int {
	return len(c.slots)
}

func (c *Connection) harvest(comp completion) {
	s, ok := c.slots[comp.id]
	if !ok {
		return
	}
	delete(c.slots, comp.id)
	c.metrics.AttemptFinished()

	frame := s.frame
	frame.Attempts++
	frame.Bytes = comp.body
	s.span.SetAttributes(attribute.Int("http.response.status_code", comp.code))

	switch {
	case comp.err != nil:
		c.metrics.Attempt(metrics.ResultTransportError)
		s.span.RecordError(comp.err)
		s.span.SetStatus(codes.Error, "transport failure")
		s.span.End()

		if expectedTransportError(comp.err) {
			c.log.Warn("transport failure on frame %s, retrying: %v", frame.ImageFrameID, comp.err)
		} else {
			c.log.Error("transport failure on frame %s, retrying: %v", frame.ImageFrameID, comp.err)
		}
		c.resubmit(frame)

	case comp.code == http.StatusTooManyRequests:
		c.metrics.Attempt(metrics.ResultThrottled)
		s.span.SetStatus(codes.Error, "throttled")
		s.span.End()

		c.log.Debug("frame %s throttled, retrying", frame.ImageFrameID)
		c.resubmit(frame)

	case comp.code == http.StatusOK:
		c.metrics.Attempt(metrics.ResultOK)
		s.span.SetAttributes(attribute.Int("ahi.bytes", len(comp.body)))
		s.span.End()

		frame.Succeed(comp.code, comp.elapsed)
		c.log.Trace("frame %s downloaded, %d bytes in %s", frame.ImageFrameID, len(frame.Bytes), comp.elapsed)
		c.onComplete(frame)

	default:
		c.metrics.Attempt(metrics.ResultHTTPError)
		s.span.SetStatus(codes.Error, http.StatusText(comp.code))
		s.span.End()

		frame.Fail(comp.code, comp.elapsed)
		c.log.Warn("frame %s failed with status %d: %s", frame.ImageFrameID, comp.code, comp.body)
		c.onComplete(frame)
	}
}

// resubmit retries a frame with the same buffer, emptied, under a new attempt id.
func (c *Connection) resubmit(frame *domain.FrameRequest) {
	frame.ResetBuffer()
	c.AddRequest(frame)
}

// Close abandons every registered attempt, waits for their goroutines and
// releases the underlying connection. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.attempts.Wait()

		for id, s := range c.slots {
			s.span.SetStatus(codes.Error, "abandoned")
			s.span.End()
			c.metrics.AttemptFinished()
			delete(c.slots, id)
		}

		c.transport.CloseIdleConnections()
	})
	return nil
}

// expectedTransportError reports whether err is one of the transient failures
// seen routinely against a busy endpoint.
func expectedTransportError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var streamErr http2.StreamError
	if errors.As(err, &streamErr) {
		return true
	}
	var goAway http2.GoAwayError
	if errors.As(err, &goAway) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
