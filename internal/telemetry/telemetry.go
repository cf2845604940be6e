// Package telemetry is the fire-and-forget event log. Failures here
// are swallowed and logged locally; they never propagate to callers.
package telemetry

import (
	"encoding/json"
	"log/slog"
	"time"
)

// Publisher is satisfied by *nats.Conn and by the transport bus wrapper.
type Publisher interface {
	Publish(subject string, data []byte) error
}

const subject = "telemetry.events"

type event struct {
	Name  string         `json:"name"`
	Attrs map[string]any `json:"attrs,omitempty"`
	At    time.Time      `json:"at"`
}

type Sink struct {
	pub Publisher
}

// New returns a sink publishing to the telemetry subject. A nil
// publisher yields a no-op sink, used when NATS is not configured.
func New(pub Publisher) *Sink {
	return &Sink{pub: pub}
}

// LogEvent publishes one event. It never returns an error: a sink
// outage must not block the accounting core.
func (s *Sink) LogEvent(name string, attrs map[string]any) {
	if s == nil || s.pub == nil {
		return
	}
	data, err := json.Marshal(event{Name: name, Attrs: attrs, At: time.Now().UTC()})
	if err != nil {
		slog.Warn("telemetry: failed to encode event", "event", name, "error", err)
		return
	}
	if err := s.pub.Publish(subject, data); err != nil {
		slog.Warn("telemetry: failed to publish event", "event", name, "error", err)
	}
}
