package infrastructure

import (
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// connectNats returns (nil, nil) when no NATS address is configured;
// callers treat a nil connection as "bus disabled".
func connectNats(url string) (*nats.Conn, error) {
	if url == "" {
		return nil, nil
	}

	nc, err := nats.Connect(url,
		nats.Name("tally"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats: disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats: reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}

	return nc, nil
}
