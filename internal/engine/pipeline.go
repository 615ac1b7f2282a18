package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/time/rate"

	"github.com/datallboy/ahiretrieve/internal/ahi"
	"github.com/datallboy/ahiretrieve/internal/app"
	"github.com/datallboy/ahiretrieve/internal/decoding"
	"github.com/datallboy/ahiretrieve/internal/descriptor"
	"github.com/datallboy/ahiretrieve/internal/domain"
	"github.com/datallboy/ahiretrieve/internal/infra/config"
	"github.com/datallboy/ahiretrieve/internal/notify"
	"github.com/datallboy/ahiretrieve/internal/progress"
	"github.com/datallboy/ahiretrieve/internal/sink"
	"github.com/datallboy/ahiretrieve/internal/store"
)

// Pipeline wires one retrieval: scheduler, output sink, decode pool and the
// optional recorder and notifier decorators around them.
//
//	scheduler -> recorder -> notifier -> raw|jph|mem -> decode pool
//	decode pool -> recorder -> notifier -> raw|mem
type Pipeline struct {
	app   *app.Context
	runID string

	Retriever   *Retriever
	Decoder     *decoding.Pool    // nil for jph
	Accumulator *sink.Accumulator // set for mem

	recorder  *sink.Recorder
	publisher *notify.Publisher
}

// SchedulerConfigFor maps the download configuration onto a SchedulerConfig.
func SchedulerConfigFor(a *app.Context) SchedulerConfig {
	cfg := a.Config
	sc := SchedulerConfig{
		Endpoint:                           cfg.Endpoint(),
		Threads:                            cfg.Download.Threads,
		ConnectionsPerThread:               cfg.Download.ConnectionsPerThread,
		MaxConcurrentRequestsPerConnection: cfg.Download.MaxConcurrentRequestsPerConnection,
		PollTimeout:                        cfg.Download.PollTimeout,
		Connection: ahi.Options{
			RequestOptions: a.RequestOptions,
		},
	}
	if a.Tracing != nil {
		sc.Connection.Tracer = a.Tracing.Tracer()
	}
	if rps := cfg.Download.RequestsPerSecond; rps > 0 {
		burst := max(1, int(rps))
		sc.Connection.Limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return sc
}

// NewPipeline builds and starts the workers for a run.
func NewPipeline(a *app.Context, runID string) (*Pipeline, error) {
	cfg := a.Config
	log := a.Logger
	p := &Pipeline{app: a, runID: runID}

	var (
		download domain.DownloadSink
		decode   domain.DecodeSink
		attach   func(sink.Decoder)
	)

	switch cfg.Output.Format {
	case config.FormatJPH:
		download = sink.NewJPH(sink.NewFrameWriter(a.Bucket, cfg.Output.Prefix), log)
	case config.FormatRaw:
		raw := sink.NewRaw(sink.NewFrameWriter(a.Bucket, cfg.Output.Prefix), log)
		download, decode, attach = raw, raw, raw.Attach
	case config.FormatMem:
		p.Accumulator = sink.NewAccumulator()
		download, decode, attach = p.Accumulator, p.Accumulator, p.Accumulator.Attach
	default:
		return nil, &domain.ConfigError{Field: "output.format", Reason: fmt.Sprintf("unknown format %q", cfg.Output.Format)}
	}

	if cfg.Notify.NATSURL != "" {
		pub, err := notify.NewPublisher(notify.Config{
			URL:           cfg.Notify.NATSURL,
			SubjectPrefix: cfg.Notify.Subject,
			RunID:         runID,
		}, download, log)
		if err != nil {
			return nil, err
		}
		p.publisher = pub
		download = pub
		if decode != nil {
			decode = pub.WrapDecode(decode)
		}
	}

	if a.Store != nil {
		p.recorder = sink.NewRecorder(runID, a.Store, download, log)
		download = p.recorder
		if decode != nil {
			decode = p.recorder.WrapDecode(decode)
		}
	}

	if decode != nil {
		codec, err := decoding.Lookup(cfg.Decode.Codec)
		if err != nil {
			p.closeDecorators()
			return nil, err
		}
		poolCfg := decoding.PoolConfig{
			Threads: cfg.Decode.Threads,
			Codec:   codec,
			Logger:  log.With("decode"),
			Metrics: a.Metrics,
		}
		if a.Tracing != nil {
			poolCfg.Tracer = a.Tracing.Tracer()
		}
		p.Decoder, err = decoding.NewPool(poolCfg, decode)
		if err != nil {
			p.closeDecorators()
			return nil, err
		}
		attach(p.Decoder)
	}

	r, err := NewRetriever(SchedulerConfigFor(a), download, log, a.Metrics)
	if err != nil {
		p.stopDecoder()
		p.closeDecorators()
		return nil, err
	}
	p.Retriever = r

	return p, nil
}

// ResumeStage is the stage whose recorded successes let a frame be skipped.
func ResumeStage(format string) string {
	if format == config.FormatJPH {
		return domain.StageDownload
	}
	return domain.StageDecode
}

// resumeFilter prefers the store; without one it checks the output bucket for
// frames that were already written.
func (p *Pipeline) resumeFilter(ctx context.Context) (func(*domain.FrameRequest) bool, error) {
	cfg := p.app.Config
	if p.app.Store != nil {
		return store.ResumeFilter(ctx, p.app.Store, ResumeStage(cfg.Output.Format))
	}
	if p.app.Bucket == nil {
		return nil, &domain.ConfigError{Field: "store.driver", Reason: "resume of mem output needs a store"}
	}

	ext := sink.ExtRaw
	if cfg.Output.Format == config.FormatJPH {
		ext = sink.ExtJPH
	}
	w := sink.NewFrameWriter(p.app.Bucket, cfg.Output.Prefix)
	return func(f *domain.FrameRequest) bool {
		ok, err := w.Exists(ctx, f, ext)
		if err != nil {
			p.app.Logger.Warn("check %s: %v", w.Key(f, ext), err)
			return false
		}
		return ok
	}, nil
}

// EnqueueFiles parses each descriptor file and enqueues its frames. With
// resume set, frames already completed according to the store, or already in
// the output when there is no store, are skipped.
func (p *Pipeline) EnqueueFiles(ctx context.Context, inputs []string, resume bool) (int, error) {
	var skip func(*domain.FrameRequest) bool
	if resume {
		var err error
		skip, err = p.resumeFilter(ctx)
		if err != nil {
			return 0, err
		}
	}

	// Parse everything first so a bad file enqueues nothing.
	docs := make([]*descriptor.Descriptor, 0, len(inputs))
	for _, path := range inputs {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", path, err)
		}
		d, err := descriptor.ParseBytes(data)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
		docs = append(docs, d)
	}

	total := 0
	for _, d := range docs {
		total += p.Retriever.AddDescriptor(d, skip)
	}
	return total, nil
}

// IsBusy reports whether downloads or decodes are outstanding.
func (p *Pipeline) IsBusy() bool {
	return p.Retriever.IsBusy() || (p.Decoder != nil && p.Decoder.IsBusy())
}

// Wait blocks until every enqueued frame has been downloaded and, where
// applicable, decoded.
func (p *Pipeline) Wait() {
	p.Retriever.Wait()
	if p.Decoder != nil {
		p.Decoder.Wait()
	}
}

// CancelAll drops queued frames and abandons in-flight attempts.
func (p *Pipeline) CancelAll() error {
	return p.Retriever.CancelAll()
}

// DecodeSource returns the decode pool for progress reporting, or nil.
func (p *Pipeline) DecodeSource() progress.DecodeSource {
	if p.Decoder == nil {
		return nil
	}
	return p.Decoder
}

// Close stops the workers and flushes the decorators. Queued work is dropped.
func (p *Pipeline) Close() error {
	p.Retriever.Stop()
	p.stopDecoder()
	return p.closeDecorators()
}

func (p *Pipeline) stopDecoder() {
	if p.Decoder != nil {
		p.Decoder.Stop()
	}
}

func (p *Pipeline) closeDecorators() error {
	var errs []error
	if p.recorder != nil {
		errs = append(errs, p.recorder.Close())
	}
	if p.publisher != nil {
		errs = append(errs, p.publisher.Close())
	}
	return errors.Join(errs...)
}
