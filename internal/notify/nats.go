// Package notify publishes frame outcomes to NATS so other services can react
// to frames as they land.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/datallboy/ahiretrieve/internal/domain"
	"github.com/datallboy/ahiretrieve/internal/infra/logger"
)

const DefaultSubjectPrefix = "ahi.frames"

type Config struct {
	URL           string
	SubjectPrefix string
	RunID         string
}

// Publisher is a DownloadSink that publishes each outcome on
// <prefix>.<stage>.<status> and then forwards it.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	runID  string
	next   domain.DownloadSink
	log    *logger.Logger
}

func NewPublisher(cfg Config, next domain.DownloadSink, log *logger.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, &domain.ConfigError{Field: "notify.nats_url", Reason: "is required"}
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("ahiretrieve"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &Publisher{
		nc:     nc,
		prefix: prefix,
		runID:  cfg.RunID,
		next:   next,
		log:    log.With("nats"),
	}, nil
}

// Subject returns the subject an outcome is published on.
func (p *Publisher) Subject(o domain.FrameOutcome) string {
	return p.prefix + "." + o.Stage + "." + o.Status.String()
}

func (p *Publisher) FrameComplete(req *domain.FrameRequest) {
	p.publish(domain.DownloadOutcome(p.runID, req))
	if p.next != nil {
		p.next.FrameComplete(req)
	}
}

// WrapDecode returns a DecodeSink that publishes decode outcomes before
// forwarding them to next.
func (p *Publisher) WrapDecode(next domain.DecodeSink) domain.DecodeSink {
	return &decodePublisher{p: p, next: next}
}

func (p *Publisher) publish(o domain.FrameOutcome) {
	data, err := json.Marshal(o)
	if err != nil {
		p.log.Error("Failed to encode outcome for %s: %v", o.Key(), err)
		return
	}
	// Publish only fails when the connection is closed or the payload is too big.
	// A notification is never worth stalling a download for.
	if err := p.nc.Publish(p.Subject(o), data); err != nil {
		p.log.Warn("Failed to publish outcome for %s: %v", o.Key(), err)
	}
}

// Close flushes buffered messages and drains the connection.
func (p *Publisher) Close() error {
	if err := p.nc.Flush(); err != nil {
		p.log.Warn("Flush failed: %v", err)
	}
	return p.nc.Drain()
}

type decodePublisher struct {
	p    *Publisher
	next domain.DecodeSink
}

func (d *decodePublisher) FrameDecoded(task *domain.DecodeTask) {
	d.p.publish(domain.DecodeOutcome(d.p.runID, task))
	if d.next != nil {
		d.next.FrameDecoded(task)
	}
}

func (d *decodePublisher) FrameDecodeFailed(task *domain.DecodeTask) {
	d.p.publish(domain.DecodeOutcome(d.p.runID, task))
	if d.next != nil {
		d.next.FrameDecodeFailed(task)
	}
}
