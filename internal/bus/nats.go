package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/example/ride-dispatch/internal/logging"
)

// NATS maps bus channels onto core NATS subjects. Core NATS is already
// at-most-once, so no acknowledgement or redelivery is layered on top.
type NATS struct {
	conn   *nats.Conn
	logger *slog.Logger
	owned  bool
}

// DialNATS connects to url and returns a bus that closes the connection
// on Close.
func DialNATS(url string, logger *slog.Logger) (*NATS, error) {
	lg := logging.OrDiscard(logger).With("component", "bus.nats")
	conn, err := nats.Connect(url,
		nats.Name("ride-dispatch"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				lg.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			lg.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to NATS server: %v", ErrTransient, err)
	}
	n := NewNATS(conn, logger)
	n.owned = true
	return n, nil
}

// NewNATS wraps an existing connection. Close leaves it open.
func NewNATS(conn *nats.Conn, logger *slog.Logger) *NATS {
	return &NATS{conn: conn, logger: logging.OrDiscard(logger).With("component", "bus.nats")}
}

func (n *NATS) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if n.conn.IsClosed() {
		return ErrClosed
	}
	if err := n.conn.Publish(channel, payload); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrTransient, channel, err)
	}
	return nil
}

func (n *NATS) Subscribe(channel string, h Handler) (func(), error) {
	sub, err := n.conn.Subscribe(channel, func(m *nats.Msg) {
		defer func() {
			if rec := recover(); rec != nil {
				n.logger.Error("subscriber panicked", "channel", channel, "panic", rec)
			}
		}()
		h(context.Background(), Message{Channel: m.Subject, Payload: m.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrTransient, channel, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil && n.conn.IsConnected() {
				n.logger.Warn("unsubscribe failed", "channel", channel, "error", err)
			}
		})
	}, nil
}

// Flush round-trips to the server so prior subscriptions are registered.
func (n *NATS) Flush() error {
	return n.conn.Flush()
}

func (n *NATS) Close() error {
	if n.owned {
		n.conn.Close()
	}
	return nil
}
