// Package gateway terminates client websockets: it authenticates them,
// tracks their topic subscriptions, routes bus traffic to them and answers
// every client action with exactly one envelope.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Dispatcher is the order lifecycle surface clients drive.
type Dispatcher interface {
	AcceptOrder(ctx context.Context, orderID string, driver models.Identity) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID string, actor models.Identity) (*models.Order, error)
	CompleteOrder(ctx context.Context, orderID string, driver models.Identity) (*models.Order, error)
}

type Ingestor interface {
	Ingest(ctx context.Context, driverID string, s models.LocationSample) (models.LocationSample, error)
	Forget(driverID string)
}

type OrderReader interface {
	Get(ctx context.Context, id string) (*models.Order, error)
}

type LocationReader interface {
	Active(ctx context.Context, driverID string) (models.LocationSample, error)
}

type Options struct {
	AuthTimeout    time.Duration
	SendBuffer     int
	RadiusKm       float64
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	HandlerTimeout time.Duration
	CheckOrigin    func(r *http.Request) bool
}

func DefaultOptions() Options {
	return Options{
		AuthTimeout:    5 * time.Second,
		SendBuffer:     64,
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 8192,
		HandlerTimeout: 10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = def.AuthTimeout
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = def.SendBuffer
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = def.PongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = def.WriteWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = def.MaxMessageSize
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = def.HandlerTimeout
	}
	return o
}

type Gateway struct {
	verifier   auth.Verifier
	dispatcher Dispatcher
	ingest     Ingestor
	orders     OrderReader
	locations  LocationReader
	registry   *Registry
	opts       Options
	upgrader   websocket.Upgrader
	validate   *validator.Validate
	logger     *slog.Logger
}

func New(verifier auth.Verifier, dispatcher Dispatcher, ingest Ingestor, orders OrderReader, locations LocationReader, opts Options, logger *slog.Logger) *Gateway {
	opts = opts.withDefaults()
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		verifier:   verifier,
		dispatcher: dispatcher,
		ingest:     ingest,
		orders:     orders,
		locations:  locations,
		registry:   NewRegistry(),
		opts:       opts,
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: checkOrigin},
		validate:   validator.New(),
		logger:     logging.OrDiscard(logger).With("component", "gateway"),
	}
}

func (g *Gateway) Registry() *Registry { return g.registry }

// ServeHTTP upgrades the request and serves the connection until it
// closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	connID := uuid.NewString()

	identity, err := g.authenticate(r.Context(), ws, token)
	if err != nil {
		g.rejectAuth(ws, connID, err)
		return
	}

	c := newConn(connID, identity, ws, g.opts.SendBuffer, g.logger)
	g.registry.Add(c)
	observability.ConnectionsOpen.Inc()
	c.logger.Info("client connected")

	go c.writePump(g.opts)
	g.ack(c, eventConnect, "", time.Now(), "connected", map[string]any{
		"client_id": c.ID,
		"user_id":   identity.UserID,
		"role":      identity.Role,
	}, nil)

	g.readPump(c)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if parts := strings.SplitN(h, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}

// authenticate verifies the handshake credential, or the first frame
// {"token": "..."} when the handshake carried none. Both paths share one
// deadline.
func (g *Gateway) authenticate(ctx context.Context, ws *websocket.Conn, token string) (models.Identity, error) {
	deadline := time.Now().Add(g.opts.AuthTimeout)
	if token == "" {
		_ = ws.SetReadDeadline(deadline)
		var first struct {
			Token string `json:"token"`
		}
		if err := ws.ReadJSON(&first); err != nil {
			return models.Identity{}, fmt.Errorf("%w: no credential before deadline: %v", auth.ErrAuthenticationFailed, err)
		}
		token = first.Token
		_ = ws.SetReadDeadline(time.Time{})
	}
	vctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	return g.verifier.Verify(vctx, token)
}

func (g *Gateway) rejectAuth(ws *websocket.Conn, connID string, cause error) {
	observability.AuthFailures.Inc()
	g.logger.Warn("websocket authentication failed", "conn_id", connID, "error", cause)
	code, msg := classify(cause)
	if code != CodeAuthenticationFailed {
		code, msg = CodeAuthenticationFailed, "authentication failed"
	}
	env := Envelope{
		Status:  "error",
		Message: msg,
		Data:    errorData{Code: code},
		Meta:    Meta{Event: eventAuthenticate, Timestamp: time.Now().UTC(), ClientID: connID},
	}
	_ = ws.SetWriteDeadline(time.Now().Add(g.opts.WriteWait))
	_ = ws.WriteJSON(env)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"), time.Now().Add(g.opts.WriteWait))
	_ = ws.Close()
}

func (g *Gateway) readPump(c *Conn) {
	defer g.disconnect(c)

	c.ws.SetReadLimit(g.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))
		g.handle(c, raw)
	}
}

func (g *Gateway) disconnect(c *Conn) {
	g.registry.Remove(c)
	c.close()
	observability.ConnectionsOpen.Dec()
	if c.Identity.Role == models.RoleDriver && g.ingest != nil {
		g.ingest.Forget(c.Identity.UserID)
	}
	c.logger.Info("client disconnected")
}

// Close ends every live connection.
func (g *Gateway) Close() {
	for _, c := range g.registry.All() {
		c.close()
	}
}

func (g *Gateway) handle(c *Conn, raw []byte) {
	start := time.Now()
	var in clientMessage

	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("panic in message handler", "event", in.Event, "panic", rec)
			g.ack(c, in.Event, in.RequestID, start, "", nil, fmt.Errorf("panic: %v", rec))
		}
	}()

	if err := json.Unmarshal(raw, &in); err != nil {
		g.ack(c, "", "", start, "", nil, fmt.Errorf("%w: message is not a JSON object", errInvalidPayload))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.opts.HandlerTimeout)
	defer cancel()

	message, data, err := g.dispatch(ctx, c, in)
	g.ack(c, in.Event, in.RequestID, start, message, data, err)
}

func (g *Gateway) dispatch(ctx context.Context, c *Conn, in clientMessage) (string, any, error) {
	switch in.Event {
	case EventAcceptOrder:
		return g.onAcceptOrder(ctx, c, in.Data)
	case EventCancelOrder:
		return g.onCancelOrder(ctx, c, in.Data)
	case EventCompleteOrder:
		return g.onCompleteOrder(ctx, c, in.Data)
	case EventUpdateDriverLocation:
		return g.onUpdateDriverLocation(ctx, c, in.Data)
	case EventJoinOrderRoom:
		return g.onJoinOrderRoom(ctx, c, in.Data)
	case EventLeaveOrderRoom:
		return g.onLeaveOrderRoom(c, in.Data)
	case EventJoinTopic:
		return g.onJoinTopic(ctx, c, in.Data)
	case EventLeaveTopic:
		return g.onLeaveTopic(c, in.Data)
	case EventPing:
		return "pong", map[string]any{"server_time": time.Now().UTC()}, nil
	default:
		return "", nil, fmt.Errorf("%w: %q", errUnknownEvent, in.Event)
	}
}

// ack sends the single envelope answering one client action.
func (g *Gateway) ack(c *Conn, event, requestID string, start time.Time, message string, data any, err error) {
	status := "success"
	if err != nil {
		code, msg := classify(err)
		status, message, data = "error", msg, errorData{Code: code}
		if code == CodeInternalError {
			c.logger.Error("client event failed", "event", event, "error", err)
		} else {
			c.logger.Debug("client event rejected", "event", event, "code", code, "error", err)
		}
	}
	observability.ClientEvents.WithLabelValues(metricEvent(event), status).Inc()

	env := Envelope{
		Status:  status,
		Message: message,
		Data:    data,
		Meta: Meta{
			Event:     event,
			Timestamp: time.Now().UTC(),
			RequestID: requestID,
			ElapsedMs: time.Since(start).Milliseconds(),
			ClientID:  c.ID,
		},
	}
	b, merr := json.Marshal(env)
	if merr != nil {
		c.logger.Error("encode envelope", "error", merr)
		b, _ = json.Marshal(Envelope{Status: "error", Message: "internal error", Data: errorData{Code: CodeInternalError}, Meta: env.Meta})
	}
	c.reply(b, g.opts.WriteWait)
}

func metricEvent(event string) string {
	switch event {
	case EventAcceptOrder, EventCancelOrder, EventCompleteOrder, EventUpdateDriverLocation,
		EventJoinOrderRoom, EventLeaveOrderRoom, EventJoinTopic, EventLeaveTopic, EventPing, eventConnect:
		return event
	default:
		return "unknown"
	}
}

func (g *Gateway) decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: data is required", errInvalidPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if err := g.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s is %s", errInvalidPayload, strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	return nil
}
