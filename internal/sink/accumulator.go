package sink

import (
	"sync"

	"github.com/datallboy/ahiretrieve/internal/domain"
)

// Result is one accumulated outcome. Pixels is set for decoded frames.
type Result struct {
	Frame  *domain.FrameRequest
	Info   domain.FrameInfo
	Pixels []byte
	Status domain.FrameStatus
	Err    error
}

// Accumulator keeps outcomes in memory. Without a decoder, successful
// downloads are recorded as they are; with one, they are recorded once decoded.
type Accumulator struct {
	mu      sync.Mutex
	results []Result
	decoder Decoder
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

func (a *Accumulator) Attach(d Decoder) {
	a.decoder = d
}

func (a *Accumulator) FrameComplete(req *domain.FrameRequest) {
	if req.Status == domain.StatusSucceeded && a.decoder != nil {
		a.decoder.Submit(req)
		return
	}
	a.add(Result{Frame: req, Status: req.Status, Err: req.Err})
}

func (a *Accumulator) FrameDecoded(task *domain.DecodeTask) {
	a.add(Result{
		Frame:  task.Frame,
		Info:   task.Info,
		Pixels: task.Decoded,
		Status: domain.StatusSucceeded,
	})
}

func (a *Accumulator) FrameDecodeFailed(task *domain.DecodeTask) {
	a.add(Result{Frame: task.Frame, Status: domain.StatusFailed, Err: task.Err})
}

func (a *Accumulator) add(r Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, r)
}

// Results drains the accumulated outcomes.
func (a *Accumulator) Results() []Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.results
	a.results = nil
	return out
}

// Len returns the number of outcomes not yet drained.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.results)
}
