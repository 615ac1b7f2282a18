package sink

import (
	"github.com/datallboy/ahiretrieve/internal/domain"
	"github.com/datallboy/ahiretrieve/internal/infra/logger"
)

const ExtJPH = "jph"

// JPH writes each downloaded frame, still encoded, as a .jph object.
type JPH struct {
	writer *FrameWriter
	log    *logger.Logger
}

func NewJPH(w *FrameWriter, log *logger.Logger) *JPH {
	return &JPH{writer: w, log: log.With("jph")}
}

func (s *JPH) FrameComplete(req *domain.FrameRequest) {
	switch req.Status {
	case domain.StatusCancelled:
		s.log.Debug("frame %s cancelled", req.ImageFrameID)
	case domain.StatusFailed:
		logFailure(s.log, req)
	case domain.StatusSucceeded:
		key, err := s.writer.Write(req, ExtJPH, req.Bytes)
		if err != nil {
			s.log.Error("frame %s: %v", req.ImageFrameID, err)
			return
		}
		s.log.Trace("frame %s written to %s", req.ImageFrameID, key)
	}
}

func logFailure(log *logger.Logger, req *domain.FrameRequest) {
	log.Error("frame %s failed with http status code %d (%s)", req.ImageFrameID, req.HTTPCode, req.Bytes)
}
