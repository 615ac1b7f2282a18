package controllers

import (
	"time"

	"github.com/datallboy/ahiretrieve/internal/domain"
)

// CreateRunRequest is the body of POST /api/runs.
type CreateRunRequest struct {
	Inputs []string `json:"inputs"`
	Resume bool     `json:"resume"`
}

// RunResponse adds derived fields to a run record.
type RunResponse struct {
	*domain.Run
	ElapsedMs float64 `json:"elapsed_ms"`
	MB        float64 `json:"mb"`
	Mbps      float64 `json:"mbps"`
}

// ProgressResponse is the body of GET /api/progress.
type ProgressResponse struct {
	Active *RunResponse `json:"active"`
	Queued int          `json:"queued"`
}

func newRunResponse(run *domain.Run, now time.Time) *RunResponse {
	if run == nil {
		return nil
	}
	end := run.FinishedAt
	if end.IsZero() {
		end = now
	}
	elapsed := end.Sub(run.StartedAt)

	r := &RunResponse{
		Run:       run,
		ElapsedMs: float64(elapsed) / float64(time.Millisecond),
		MB:        float64(run.BytesDownloaded) / (1024 * 1024),
	}
	if r.ElapsedMs > 0 {
		r.Mbps = r.MB * 8 / r.ElapsedMs * 1000
	}
	return r
}
