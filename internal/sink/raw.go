package sink

import (
	"github.com/datallboy/ahiretrieve/internal/domain"
	"github.com/datallboy/ahiretrieve/internal/infra/logger"
)

const ExtRaw = "raw"

// Decoder accepts successfully downloaded frames for decoding.
type Decoder interface {
	Submit(frame *domain.FrameRequest)
}

// Raw hands downloaded frames to a decoder and writes the decoded pixels as
// .raw objects. Attach must be called before the first download completes.
type Raw struct {
	writer  *FrameWriter
	log     *logger.Logger
	decoder Decoder
}

func NewRaw(w *FrameWriter, log *logger.Logger) *Raw {
	return &Raw{writer: w, log: log.With("raw")}
}

// Attach sets the decoder that successful downloads are forwarded to.
func (s *Raw) Attach(d Decoder) {
	s.decoder = d
}

func (s *Raw) FrameComplete(req *domain.FrameRequest) {
	switch req.Status {
	case domain.StatusCancelled:
		s.log.Debug("frame %s cancelled", req.ImageFrameID)
	case domain.StatusFailed:
		logFailure(s.log, req)
	case domain.StatusSucceeded:
		s.decoder.Submit(req)
	}
}

func (s *Raw) FrameDecoded(task *domain.DecodeTask) {
	key, err := s.writer.Write(task.Frame, ExtRaw, task.Decoded)
	if err != nil {
		s.log.Error("frame %s: %v", task.Frame.ImageFrameID, err)
		return
	}
	s.log.Trace("frame %s decoded in %s (%dx%d, %d bits) and written to %s",
		task.Frame.ImageFrameID, task.Elapsed, task.Info.Width, task.Info.Height, task.Info.BitsPerSample, key)
}

func (s *Raw) FrameDecodeFailed(task *domain.DecodeTask) {
	s.log.Error("frame %s decode failed: %v", task.Frame.ImageFrameID, task.Err)
}
