package sink

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/datallboy/ahiretrieve/internal/domain"
	"github.com/datallboy/ahiretrieve/internal/infra/logger"
)

func newBucket(t *testing.T) *blob.Bucket {
	t.Helper()
	b := memblob.OpenBucket(nil)
	t.Cleanup(func() { b.Close() })
	return b
}

func downloaded(id string, body string) *domain.FrameRequest {
	f := domain.NewFrameRequest("ds", "set", id, 0)
	f.Bytes = []byte(body)
	f.Succeed(200, time.Millisecond)
	return f
}

func failed(id string, code int, body string) *domain.FrameRequest {
	f := domain.NewFrameRequest("ds", "set", id, 0)
	f.Bytes = []byte(body)
	f.Fail(code, time.Millisecond)
	return f
}

func TestJPHWritesSuccessfulFrames(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t)
	s := NewJPH(NewFrameWriter(bucket, ""), logger.Discard())

	s.FrameComplete(downloaded("f1", "codestream"))
	s.FrameComplete(failed("f2", 404, "not found"))

	got, err := bucket.ReadAll(ctx, "ds/set/f1.jph")
	if err != nil {
		t.Fatalf("read f1: %v", err)
	}
	if string(got) != "codestream" {
		t.Errorf("expected codestream, got %q", got)
	}

	if ok, _ := bucket.Exists(ctx, "ds/set/f2.jph"); ok {
		t.Error("expected failed frame not to be written")
	}
}

func TestFrameWriterPrefix(t *testing.T) {
	w := NewFrameWriter(newBucket(t), "out")
	if key := w.Key(domain.NewFrameRequest("d", "s", "f", 0), ExtRaw); key != "out/d/s/f.raw" {
		t.Errorf("unexpected key %s", key)
	}
}

// inlineDecoder decodes synchronously by reversing the bytes.
type inlineDecoder struct {
	sink domain.DecodeSink
}

func (d inlineDecoder) Submit(f *domain.FrameRequest) {
	task := &domain.DecodeTask{Frame: f}
	if string(f.Bytes) == "corrupt" {
		task.Err = &domain.DecodeError{FrameID: f.ImageFrameID, Err: errors.New("bad marker")}
		d.sink.FrameDecodeFailed(task)
		return
	}
	out := bytes.Clone(f.Bytes)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	task.Decoded = out
	d.sink.FrameDecoded(task)
}

func TestRawWritesDecodedFrames(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t)
	s := NewRaw(NewFrameWriter(bucket, ""), logger.Discard())
	s.Attach(inlineDecoder{sink: s})

	s.FrameComplete(downloaded("f1", "abc"))
	s.FrameComplete(downloaded("f2", "corrupt"))
	s.FrameComplete(failed("f3", 500, "boom"))

	got, err := bucket.ReadAll(ctx, "ds/set/f1.raw")
	if err != nil {
		t.Fatalf("read f1: %v", err)
	}
	if string(got) != "cba" {
		t.Errorf("expected decoded pixels, got %q", got)
	}
	for _, key := range []string{"ds/set/f2.raw", "ds/set/f3.raw"} {
		if ok, _ := bucket.Exists(ctx, key); ok {
			t.Errorf("expected %s not to be written", key)
		}
	}
}

func TestAccumulatorDrains(t *testing.T) {
	a := NewAccumulator()
	a.Attach(inlineDecoder{sink: a})

	a.FrameComplete(downloaded("ok", "xy"))
	a.FrameComplete(downloaded("bad", "corrupt"))
	a.FrameComplete(failed("gone", 404, ""))

	results := a.Results()
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	byID := map[string]Result{}
	for _, r := range results {
		byID[r.Frame.ImageFrameID] = r
	}
	if string(byID["ok"].Pixels) != "yx" || byID["ok"].Status != domain.StatusSucceeded {
		t.Errorf("unexpected result for ok: %+v", byID["ok"])
	}
	if !errors.Is(byID["bad"].Err, domain.ErrDecode) {
		t.Errorf("expected decode error for bad, got %v", byID["bad"].Err)
	}
	if byID["gone"].Status != domain.StatusFailed {
		t.Errorf("expected failed download result, got %s", byID["gone"].Status)
	}

	if a.Len() != 0 {
		t.Errorf("expected Results to drain, %d left", a.Len())
	}
}

type memOutcomes struct {
	mu       sync.Mutex
	outcomes []domain.FrameOutcome
}

func (m *memOutcomes) SaveOutcomes(_ context.Context, outcomes []domain.FrameOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcomes...)
	return nil
}

func TestRecorderPersistsAndForwards(t *testing.T) {
	store := &memOutcomes{}
	acc := NewAccumulator()
	rec := NewRecorder("run1", store, acc, logger.Discard())
	acc.Attach(inlineDecoder{sink: rec.WrapDecode(acc)})

	rec.FrameComplete(downloaded("f1", "ab"))
	rec.FrameComplete(failed("f2", 500, "boom"))
	rec.Close()

	if len(store.outcomes) != 3 {
		t.Fatalf("expected 2 download and 1 decode outcome, got %d", len(store.outcomes))
	}

	stages := map[string]int{}
	for _, o := range store.outcomes {
		if o.RunID != "run1" {
			t.Errorf("expected run id run1, got %s", o.RunID)
		}
		stages[o.Stage]++
	}
	if stages[domain.StageDownload] != 2 || stages[domain.StageDecode] != 1 {
		t.Errorf("unexpected stages %v", stages)
	}
	if acc.Len() != 2 {
		t.Errorf("expected outcomes forwarded, got %d", acc.Len())
	}
}
