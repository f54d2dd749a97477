package store

import (
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS wraps a core NATS connection used for refresh signals.
type NATS struct {
	Conn *nats.Conn
}

// NewNATS connects to url. Reconnects are handled by the client.
func NewNATS(url string, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("rollcall"),
		nats.Timeout(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATS{Conn: nc}, nil
}

// Healthy reports whether the connection is up.
func (n *NATS) Healthy() bool {
	return n != nil && n.Conn != nil && n.Conn.IsConnected()
}

// Close drains pending publishes, falling back to a hard close.
func (n *NATS) Close() {
	if n == nil || n.Conn == nil {
		return
	}
	if err := n.Conn.Drain(); err != nil {
		n.Conn.Close()
	}
}
