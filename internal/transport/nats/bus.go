// Package nats carries the scheduler job topics and the event bus the
// telemetry sink and purchase verifier publish on.
package nats

import "github.com/nats-io/nats.go"

// Bus wraps the connection behind the small Publisher surface the rest
// of the module depends on, so components never import the client.
type Bus struct {
	nc *nats.Conn
}

func NewBus(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

func (b *Bus) Publish(subject string, data []byte) error {
	return b.nc.Publish(subject, data)
}

// Drain flushes buffered publishes during shutdown.
func (b *Bus) Drain() error {
	return b.nc.Drain()
}
