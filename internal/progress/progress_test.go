package progress

import (
	"bytes"
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSource struct {
	busyFor atomic.Int32
	frames  atomic.Int64
	bytes   atomic.Int64
}

func (f *fakeSource) IsBusy() bool {
	if f.busyFor.Load() <= 0 {
		return false
	}
	f.busyFor.Add(-1)
	f.frames.Add(1)
	f.bytes.Add(mebibyte)
	return true
}

func (f *fakeSource) BytesDownloaded() int64  { return f.bytes.Load() }
func (f *fakeSource) FramesDownloaded() int64 { return f.frames.Load() }

type fakeDecode struct{ busy atomic.Bool }

func (d *fakeDecode) IsBusy() bool     { return d.busy.Load() }
func (d *fakeDecode) Queued() int      { return 2 }
func (d *fakeDecode) Active() int      { return 1 }
func (d *fakeDecode) Executed() uint64 { return 7 }

func TestSummaryString(t *testing.T) {
	s := Summary{Frames: 12, Bytes: 10 * mebibyte, Duration: 2 * time.Second}
	want := "12 Image Frames Downloaded (10.000 MB compressed) in 2000 ms (40.000 Mbps)"
	if got := s.String(); got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
}

func TestMbpsZeroDuration(t *testing.T) {
	if got := Mbps(1024, 0); got != 0 {
		t.Errorf("Mbps(1024, 0) = %v, want 0", got)
	}
}

func TestReporter_RunsUntilIdle(t *testing.T) {
	src := &fakeSource{}
	// pre-existing totals are excluded from the report
	src.frames.Store(100)
	src.bytes.Store(100 * mebibyte)
	src.busyFor.Store(3)

	dec := &fakeDecode{}
	var lines bytes.Buffer
	r := NewReporter(src, dec, Options{Interval: time.Millisecond, Lines: &lines})

	var samples []Sample
	sum := r.Run(context.Background(), func(s Sample) { samples = append(samples, s) })

	if sum.Frames != 3 || sum.Bytes != 3*mebibyte {
		t.Errorf("summary = %+v, want 3 frames and 3 MB", sum)
	}
	if len(samples) == 0 {
		t.Fatal("no samples")
	}
	last := samples[len(samples)-1]
	if last.DecodeQueued != 2 || last.DecodeActive != 1 || last.DecodeExecuted != 7 {
		t.Errorf("decode counters not sampled: %+v", last)
	}
	if !strings.Contains(lines.String(), "image frames downloaded") {
		t.Errorf("interval lines missing: %q", lines.String())
	}
}

func TestReporter_WaitsForDecodePool(t *testing.T) {
	src := &fakeSource{}
	dec := &fakeDecode{}
	dec.busy.Store(true)

	r := NewReporter(src, dec, Options{Interval: time.Millisecond})

	done := make(chan Summary)
	go func() { done <- r.Run(context.Background(), nil) }()

	select {
	case <-done:
		t.Fatal("reporter returned while the decode pool was busy")
	case <-time.After(20 * time.Millisecond):
	}

	dec.busy.Store(false)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reporter did not return after the decode pool went idle")
	}
}

func TestReporter_StopsOnContext(t *testing.T) {
	src := &fakeSource{}
	src.busyFor.Store(1 << 30)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	r := NewReporter(src, nil, Options{Interval: time.Millisecond})
	done := make(chan struct{})
	go func() {
		r.Run(ctx, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reporter ignored context cancellation")
	}
}

func TestReporter_RendersBar(t *testing.T) {
	src := &fakeSource{}
	src.busyFor.Store(2)

	var out bytes.Buffer
	r := NewReporter(src, nil, Options{Interval: time.Millisecond, Output: &out, Total: 2})
	sum := r.Run(context.Background(), nil)

	if sum.Frames != 2 {
		t.Errorf("frames = %d", sum.Frames)
	}
	if !strings.Contains(out.String(), "frames") {
		t.Errorf("bar output missing: %q", out.String())
	}
}
