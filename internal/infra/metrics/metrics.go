package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the retriever's prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can take one unconditionally.
type Metrics struct {
	Registry *prometheus.Registry

	AttemptsTotal       *prometheus.CounterVec
	FramesTotal         *prometheus.CounterVec
	BytesDownloaded     prometheus.Counter
	DownloadDuration    prometheus.Histogram
	PendingRequests     prometheus.Gauge
	InFlightAttempts    prometheus.Gauge
	DecodesTotal        *prometheus.CounterVec
	DecodeDuration      prometheus.Histogram
	DecodeQueueDepth    prometheus.Gauge
	DecodeActiveWorkers prometheus.Gauge
}

// New registers every collector with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		AttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ahiretrieve_attempts_total",
				Help: "GetImageFrame attempts by result (ok, throttled, http_error, transport_error)",
			},
			[]string{"result"},
		),
		FramesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ahiretrieve_frames_total",
				Help: "Image frames that reached a terminal download outcome",
			},
			[]string{"status"},
		),
		BytesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "ahiretrieve_bytes_downloaded_total",
			Help: "Bytes of successfully downloaded image frames",
		}),
		DownloadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ahiretrieve_download_duration_seconds",
			Help:    "Duration of the successful attempt for each frame",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		PendingRequests: f.NewGauge(prometheus.GaugeOpts{
			Name: "ahiretrieve_pending_requests",
			Help: "Frame requests enqueued but not yet terminal",
		}),
		InFlightAttempts: f.NewGauge(prometheus.GaugeOpts{
			Name: "ahiretrieve_inflight_attempts",
			Help: "Attempts currently registered on connections",
		}),
		DecodesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ahiretrieve_decodes_total",
				Help: "Decode tasks by result",
			},
			[]string{"result"},
		),
		DecodeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ahiretrieve_decode_duration_seconds",
			Help:    "Time spent decoding a frame",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		DecodeQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "ahiretrieve_decode_queue_depth",
			Help: "Decode tasks waiting for a worker",
		}),
		DecodeActiveWorkers: f.NewGauge(prometheus.GaugeOpts{
			Name: "ahiretrieve_decode_active",
			Help: "Decode tasks currently executing",
		}),
	}
}

const (
	ResultOK             = "ok"
	ResultThrottled      = "throttled"
	ResultHTTPError      = "http_error"
	ResultTransportError = "transport_error"
)

func (m *Metrics) Attempt(result string) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) AttemptStarted() {
	if m == nil {
		return
	}
	m.InFlightAttempts.Inc()
}

func (m *Metrics) AttemptFinished() {
	if m == nil {
		return
	}
	m.InFlightAttempts.Dec()
}

func (m *Metrics) FrameComplete(status string, bytes int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(status).Inc()
	if status == "succeeded" {
		m.BytesDownloaded.Add(float64(bytes))
		m.DownloadDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) SetPending(n int64) {
	if m == nil {
		return
	}
	m.PendingRequests.Set(float64(n))
}

func (m *Metrics) Decoded(ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	if ok {
		m.DecodesTotal.WithLabelValues(ResultOK).Inc()
		m.DecodeDuration.Observe(elapsed.Seconds())
		return
	}
	m.DecodesTotal.WithLabelValues("failed").Inc()
}

func (m *Metrics) DecodeQueue(queued, active int) {
	if m == nil {
		return
	}
	m.DecodeQueueDepth.Set(float64(queued))
	m.DecodeActiveWorkers.Set(float64(active))
}
