package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Conn is one authenticated websocket client.
type Conn struct {
	ID       string
	Identity models.Identity

	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	mu       sync.Mutex
	position *models.Coord
}

func newConn(id string, identity models.Identity, ws *websocket.Conn, buffer int, logger *slog.Logger) *Conn {
	return &Conn{
		ID:       id,
		Identity: identity,
		ws:       ws,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		logger:   logger.With("conn_id", id, "user_id", identity.UserID, "role", identity.Role),
	}
}

// push queues b without blocking. Location feeds only need the newest
// value, so a full queue drops the message for this connection.
func (c *Conn) push(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		observability.PushesDropped.Inc()
		c.logger.Debug("send queue full, push dropped")
		return false
	}
}

// reply queues an ack, waiting up to wait for room.
func (c *Conn) reply(b []byte, wait time.Duration) bool {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case c.send <- b:
		return true
	case <-c.done:
		return false
	case <-t.C:
		c.logger.Warn("send queue stuck, ack dropped")
		return false
	}
}

func (c *Conn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) setPosition(lat, lon float64) {
	c.mu.Lock()
	c.position = &models.Coord{Lat: lat, Lon: lon}
	c.mu.Unlock()
}

// Position returns the connection's last reported coordinate, if any.
func (c *Conn) Position() (models.Coord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.position == nil {
		return models.Coord{}, false
	}
	return *c.position, true
}

func (c *Conn) writePump(opts Options) {
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.drain(opts)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(opts.WriteWait))
			return
		}
	}
}

// drain flushes whatever is already queued so a final ack is not lost.
func (c *Conn) drain(opts Options) {
	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
