package domain

import "time"

type RunStatus string

const (
	RunPending     RunStatus = "pending"
	RunDownloading RunStatus = "downloading"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunCancelled   RunStatus = "cancelled"
)

// Run is one pass of the retriever over a set of descriptor files.
type Run struct {
	ID     string    `json:"id"`
	Inputs []string  `json:"inputs"`
	Status RunStatus `json:"status"`

	TotalFrames      int64 `json:"total_frames"`
	FramesDownloaded int64 `json:"frames_downloaded"`
	FramesFailed     int64 `json:"frames_failed"`
	BytesDownloaded  int64 `json:"bytes_downloaded"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// FrameOutcome is the persisted form of a terminal FrameRequest or DecodeTask.
type FrameOutcome struct {
	RunID        string        `json:"run_id"`
	DatastoreID  string        `json:"datastore_id"`
	ImageSetID   string        `json:"image_set_id"`
	ImageFrameID string        `json:"image_frame_id"`
	Stage        string        `json:"stage"` // "download" or "decode"
	Status       FrameStatus   `json:"status"`
	HTTPCode     int           `json:"http_code"`
	Bytes        int64         `json:"bytes"`
	Elapsed      time.Duration `json:"elapsed"`
	Attempts     int           `json:"attempts"`
	Error        string        `json:"error,omitempty"`
	RecordedAt   time.Time     `json:"recorded_at"`
}

const (
	StageDownload = "download"
	StageDecode   = "decode"
)

// Key matches FrameRequest.Key.
func (o FrameOutcome) Key() string {
	return o.DatastoreID + "/" + o.ImageSetID + "/" + o.ImageFrameID
}

// DownloadOutcome builds the persisted outcome of a terminal download.
func DownloadOutcome(runID string, req *FrameRequest) FrameOutcome {
	o := FrameOutcome{
		RunID:        runID,
		DatastoreID:  req.DatastoreID,
		ImageSetID:   req.ImageSetID,
		ImageFrameID: req.ImageFrameID,
		Stage:        StageDownload,
		Status:       req.Status,
		HTTPCode:     req.HTTPCode,
		Bytes:        int64(len(req.Bytes)),
		Elapsed:      req.Elapsed,
		Attempts:     req.Attempts,
		RecordedAt:   time.Now(),
	}
	if req.Err != nil {
		o.Error = req.Err.Error()
	}
	return o
}

// DecodeOutcome builds the persisted outcome of a finished decode task.
func DecodeOutcome(runID string, task *DecodeTask) FrameOutcome {
	o := DownloadOutcome(runID, task.Frame)
	o.Stage = StageDecode
	o.Bytes = int64(len(task.Decoded))
	o.Elapsed = task.Elapsed
	o.Status = StatusSucceeded
	o.Error = ""
	if task.Err != nil {
		o.Status = StatusFailed
		o.Error = task.Err.Error()
	}
	return o
}
