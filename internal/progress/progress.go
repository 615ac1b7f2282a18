// Package progress samples the retriever and decode pool counters while work
// is in flight and renders throughput.
package progress

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Source is what the reporter samples. Counters are totals since the
// source was created; the reporter subtracts its own starting point.
type Source interface {
	IsBusy() bool
	BytesDownloaded() int64
	FramesDownloaded() int64
}

// DecodeSource is the optional decode pool view.
type DecodeSource interface {
	IsBusy() bool
	Queued() int
	Active() int
	Executed() uint64
}

// Sample is one reporting interval.
type Sample struct {
	Elapsed      time.Duration // since the reporter started
	Interval     time.Duration // since the previous sample
	Frames       int64         // frames downloaded since start
	Bytes        int64         // bytes downloaded since start
	IntervalByte int64         // bytes downloaded during Interval

	DecodeQueued   int
	DecodeActive   int
	DecodeExecuted uint64
}

// Summary is the final result of a reporting run.
type Summary struct {
	Frames   int64
	Bytes    int64
	Duration time.Duration
}

const mebibyte = 1024 * 1024

// MB returns n bytes in mebibytes.
func MB(n int64) float64 { return float64(n) / mebibyte }

// Mbps is megabits per second for bytes transferred over d.
func Mbps(bytes int64, d time.Duration) float64 {
	ms := float64(d) / float64(time.Millisecond)
	if ms <= 0 {
		return 0
	}
	return MB(bytes) * 8 / ms * 1000
}

// String renders the line printed at the end of every loop.
func (s Summary) String() string {
	return fmt.Sprintf("%d Image Frames Downloaded (%.3f MB compressed) in %.0f ms (%.3f Mbps)",
		s.Frames, MB(s.Bytes), float64(s.Duration)/float64(time.Millisecond), Mbps(s.Bytes, s.Duration))
}

// String renders one interval line.
func (s Sample) String() string {
	return fmt.Sprintf("%.3f ms - %d image frames downloaded (%.3f MB) downloaded in %.0f ms (%.3f Mbps)",
		float64(s.Elapsed)/float64(time.Millisecond), s.Frames, MB(s.IntervalByte),
		float64(s.Interval)/float64(time.Millisecond), Mbps(s.IntervalByte, s.Interval))
}

type Options struct {
	Interval time.Duration
	// Output receives the progress bar. Nil disables the bar and prints the
	// interval lines to Lines instead.
	Output io.Writer
	Lines  io.Writer
	// Total is the number of frames expected, used to size the bar.
	Total int64
}

// Reporter samples a Source until it and the decode pool are idle.
type Reporter struct {
	src    Source
	decode DecodeSource
	opts   Options

	now func() time.Time
}

func NewReporter(src Source, decode DecodeSource, opts Options) *Reporter {
	if opts.Interval <= 0 {
		opts.Interval = 250 * time.Millisecond
	}
	return &Reporter{src: src, decode: decode, opts: opts, now: time.Now}
}

func (r *Reporter) busy() bool {
	if r.src.IsBusy() {
		return true
	}
	return r.decode != nil && r.decode.IsBusy()
}

// Run blocks until the source and decode pool are idle or ctx is done, and
// returns the totals observed. onSample, if set, is called for every interval.
func (r *Reporter) Run(ctx context.Context, onSample func(Sample)) Summary {
	start := r.now()
	startBytes := r.src.BytesDownloaded()
	startFrames := r.src.FramesDownloaded()

	var (
		bar      *mpb.Bar
		progress *mpb.Progress
	)
	if r.opts.Output != nil {
		progress = mpb.NewWithContext(ctx, mpb.WithOutput(r.opts.Output), mpb.WithWidth(64), mpb.WithRefreshRate(r.opts.Interval))
		bar = progress.AddBar(r.opts.Total,
			mpb.PrependDecorators(
				decor.Name("frames", decor.WC{W: 7, C: decor.DindentRight}),
				decor.CountersNoUnit("%d/%d", decor.WCSyncWidth),
			),
			mpb.AppendDecorators(
				decor.Elapsed(decor.ET_STYLE_GO, decor.WCSyncSpace),
				decor.Any(func(decor.Statistics) string {
					return fmt.Sprintf("%.1f MB", MB(r.src.BytesDownloaded()-startBytes))
				}, decor.WCSyncSpace),
			),
		)
	}

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	last := start
	var lastBytes int64
	var frames, bytes int64

	sample := func() {
		now := r.now()
		frames = r.src.FramesDownloaded() - startFrames
		bytes = r.src.BytesDownloaded() - startBytes

		s := Sample{
			Elapsed:      now.Sub(start),
			Interval:     now.Sub(last),
			Frames:       frames,
			Bytes:        bytes,
			IntervalByte: bytes - lastBytes,
		}
		if r.decode != nil {
			s.DecodeQueued = r.decode.Queued()
			s.DecodeActive = r.decode.Active()
			s.DecodeExecuted = r.decode.Executed()
		}
		last, lastBytes = now, bytes

		if bar != nil {
			if frames > r.opts.Total {
				bar.SetTotal(frames, false)
			}
			bar.SetCurrent(frames)
		} else if r.opts.Lines != nil {
			fmt.Fprintln(r.opts.Lines, s.String())
		}
		if onSample != nil {
			onSample(s)
		}
	}

loop:
	for r.busy() {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			sample()
		}
	}
	sample()

	if bar != nil {
		bar.SetTotal(frames, true)
		progress.Wait()
	}

	return Summary{Frames: frames, Bytes: bytes, Duration: last.Sub(start)}
}
