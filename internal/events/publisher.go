package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dahshury/WinSTT/internal/bus"
	"github.com/dahshury/WinSTT/internal/protocol"
)

// Publisher fans pipeline events out to the bus as JSON so tray/UI
// collaborators can subscribe. A nil Publisher (or one without a bus)
// drops events silently, which keeps the pipeline usable headless.
type Publisher struct {
	bus *bus.Client
	log *slog.Logger
}

func NewPublisher(busClient *bus.Client, log *slog.Logger) *Publisher {
	return &Publisher{
		bus: busClient,
		log: log.With(slog.String("component", "events")),
	}
}

// Session publishes a session transition on the subject matching its state.
func (p *Publisher) Session(ev protocol.SessionEvent) {
	var subject string
	switch ev.State {
	case "capturing":
		subject = protocol.SubjectSessionStarted
	case "rejected":
		subject = protocol.SubjectSessionRejected
	case "submitted":
		subject = protocol.SubjectSessionSubmitted
	default:
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	p.publish(subject, ev)
}

// Job publishes a job transition on the subject matching its state.
func (p *Publisher) Job(ev protocol.JobEvent) {
	var subject string
	switch ev.State {
	case "queued":
		subject = protocol.SubjectJobQueued
	case "running":
		subject = protocol.SubjectJobStarted
	case "completed":
		subject = protocol.SubjectJobCompleted
	case "failed":
		subject = protocol.SubjectJobFailed
	case "cancelled":
		subject = protocol.SubjectJobCancelled
	default:
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	p.publish(subject, ev)
}

func (p *Publisher) Transcript(ev protocol.TranscriptEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	p.publish(protocol.SubjectTranscript, ev)
}

func (p *Publisher) ModelProgress(ev protocol.ModelProgress) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	p.publish(protocol.SubjectModelProgress, ev)
}

func (p *Publisher) EngineStatus(ev protocol.EngineStatus) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	p.publish(protocol.SubjectEngineStatus, ev)
}

func (p *Publisher) DeliveryWarning(ev protocol.DeliveryWarning) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	p.publish(protocol.SubjectDeliveryWarning, ev)
}

func (p *Publisher) publish(subject string, payload any) {
	if p == nil || p.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn("failed to marshal event", slog.String("subject", subject), slogError(err))
		return
	}
	if err := p.bus.Conn().Publish(subject, data); err != nil {
		p.log.Warn("failed to publish event", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
