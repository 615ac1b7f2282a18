package decoding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/datallboy/ahiretrieve/internal/domain"
	"github.com/datallboy/ahiretrieve/internal/infra/logger"
	"github.com/datallboy/ahiretrieve/internal/infra/metrics"
	"github.com/datallboy/ahiretrieve/internal/workerpool"
)

type PoolConfig struct {
	Threads int
	Codec   Factory
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// job tracks whether a task's outcome has reached the sink, so a sink that
// panics cannot cause a second callback.
type job struct {
	task      *domain.DecodeTask
	delivered bool
}

// Pool decodes downloaded frames on its own workers, each with its own codec.
// It has an unbounded queue and delivers exactly one callback per task.
type Pool struct {
	pool    *workerpool.Pool[*job, Codec]
	sink    domain.DecodeSink
	log     *logger.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewPool(cfg PoolConfig, sink domain.DecodeSink) (*Pool, error) {
	if cfg.Threads <= 0 {
		return nil, &domain.ConfigError{Field: "decode.threads", Reason: "must be greater than 0"}
	}
	if sink == nil {
		return nil, errors.New("decode sink is required")
	}
	if cfg.Codec == nil {
		f, err := Lookup(DefaultCodec)
		if err != nil {
			return nil, err
		}
		cfg.Codec = f
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}

	p := &Pool{
		sink:    sink,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
	}

	p.pool = workerpool.New[*job, Codec](cfg.Threads, p.execute,
		workerpool.WithContext[*job, Codec](workerpool.ContextFunc[Codec](cfg.Codec)),
		workerpool.WithFailureHandler[*job, Codec](p.failed),
	)

	p.log.Info("Starting %d decode threads", cfg.Threads)
	return p, nil
}

// Submit queues a successfully downloaded frame for decoding.
func (p *Pool) Submit(frame *domain.FrameRequest) {
	p.pool.Submit(&job{task: &domain.DecodeTask{Frame: frame}})
	p.metrics.DecodeQueue(p.pool.Queued(), p.pool.Active())
}

// FrameComplete lets the pool sit directly behind a download scheduler.
// Only successful downloads are decoded.
func (p *Pool) FrameComplete(frame *domain.FrameRequest) {
	if frame.Status != domain.StatusSucceeded {
		return
	}
	p.Submit(frame)
}

func (p *Pool) execute(j *job, codec Codec) error {
	task := j.task
	_, span := p.tracer.Start(context.Background(), "DecodeFrame", trace.WithAttributes(
		attribute.String("ahi.image_frame_id", task.Frame.ImageFrameID),
		attribute.Int("ahi.encoded_bytes", len(task.Frame.Bytes)),
	))
	defer span.End()

	start := time.Now()
	info, decoded, err := codec.Decode(task.Frame.Bytes, task.Decoded)
	task.Elapsed = time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return &domain.DecodeError{FrameID: task.Frame.ImageFrameID, Err: err}
	}

	task.Info = info
	task.Decoded = decoded
	span.SetAttributes(attribute.Int("ahi.decoded_bytes", len(decoded)))

	p.metrics.Decoded(true, task.Elapsed)
	p.log.Trace("frame %s decoded in %s", task.Frame.ImageFrameID, task.Elapsed)

	j.delivered = true
	p.sink.FrameDecoded(task)
	p.metrics.DecodeQueue(p.pool.Queued(), p.pool.Active())
	return nil
}

func (p *Pool) failed(j *job, err error) {
	if j.delivered {
		p.log.Error("decode sink failed for frame %s: %v", j.task.Frame.ImageFrameID, err)
		return
	}

	var decodeErr *domain.DecodeError
	if !errors.As(err, &decodeErr) {
		err = &domain.DecodeError{FrameID: j.task.Frame.ImageFrameID, Err: err}
	}
	j.task.Err = err
	j.delivered = true

	p.metrics.Decoded(false, j.task.Elapsed)
	p.log.Error("frame %s: %v", j.task.Frame.ImageFrameID, err)

	p.sink.FrameDecodeFailed(j.task)
	p.metrics.DecodeQueue(p.pool.Queued(), p.pool.Active())
}

func (p *Pool) IsBusy() bool     { return p.pool.IsBusy() }
func (p *Pool) Wait()            { p.pool.Wait() }
func (p *Pool) Queued() int      { return p.pool.Queued() }
func (p *Pool) Active() int      { return p.pool.Active() }
func (p *Pool) Executed() uint64 { return p.pool.Executed() }

// Stop joins the workers. Tasks still queued are dropped without a callback.
func (p *Pool) Stop() {
	p.pool.Stop()
	p.metrics.DecodeQueue(0, 0)
}

func (p *Pool) String() string {
	return fmt.Sprintf("decode pool: %d threads, %d queued, %d active", p.pool.Threads(), p.pool.Queued(), p.pool.Active())
}
