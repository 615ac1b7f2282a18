package domain

// DownloadSink receives every FrameRequest once it reaches a terminal outcome.
// Implementations are called from download worker goroutines and must be
// safe for concurrent use.
type DownloadSink interface {
	FrameComplete(req *FrameRequest)
}

// DecodeSink receives exactly one callback per DecodeTask.
type DecodeSink interface {
	FrameDecoded(task *DecodeTask)
	FrameDecodeFailed(task *DecodeTask)
}

// DownloadSinkFunc adapts a function to DownloadSink.
type DownloadSinkFunc func(req *FrameRequest)

func (f DownloadSinkFunc) FrameComplete(req *FrameRequest) { f(req) }
