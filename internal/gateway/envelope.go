package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/storage"
)

// Client events.
const (
	EventAcceptOrder          = "acceptOrder"
	EventCancelOrder          = "cancelOrder"
	EventCompleteOrder        = "completeOrder"
	EventUpdateDriverLocation = "updateDriverLocation"
	EventJoinOrderRoom        = "joinOrderRoom"
	EventLeaveOrderRoom       = "leaveOrderRoom"
	EventJoinTopic            = "joinTopic"
	EventLeaveTopic           = "leaveTopic"
	EventPing                 = "ping"

	eventConnect      = "connect"
	eventAuthenticate = "authenticate"
)

// Server pushes.
const (
	PushDriverLocation = "driverLocation"
	PushOrderAvailable = "orderAvailable"
	PushOrderStatus    = "orderStatus"
)

// Error codes carried in data.code of an error envelope.
const (
	CodeAuthenticationFailed = "authentication_failed"
	CodeInvalidCoordinate    = "invalid_coordinate"
	CodeRateLimited          = "rate_limited"
	CodeAlreadyTaken         = "already_taken"
	CodeOrderCancelled       = "order_cancelled"
	CodeDriverBusy           = "driver_busy"
	CodeNotFound             = "not_found"
	CodeForbidden            = "forbidden"
	CodeInvalidTransition    = "invalid_transition"
	CodeTransientFailure     = "transient_failure"
	CodeInvalidPayload       = "invalid_payload"
	CodeUnknownEvent         = "unknown_event"
	CodeInternalError        = "internal_error"
)

var (
	errInvalidPayload = errors.New("invalid payload")
	errUnknownEvent   = errors.New("unknown event")
	errForeignFeed    = errors.New("drivers may only follow their own feed")
)

type clientMessage struct {
	Event     string          `json:"event"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type Meta struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId,omitempty"`
	ElapsedMs int64     `json:"elapsedMs"`
	ClientID  string    `json:"clientId"`
}

// Envelope answers exactly one client action.
type Envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data"`
	Meta    Meta   `json:"meta"`
}

// Push is an unsolicited server message.
type Push struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type errorData struct {
	Code string `json:"code"`
}

// classify maps a handler error to its wire code and a message safe to
// show the client.
func classify(err error) (code, message string) {
	switch {
	case errors.Is(err, auth.ErrAuthenticationFailed):
		return CodeAuthenticationFailed, "authentication failed"
	case errors.Is(err, ingest.ErrInvalidCoordinate):
		return CodeInvalidCoordinate, "latitude must be within [-90,90] and longitude within [-180,180]"
	case errors.Is(err, ingest.ErrThrottled):
		return CodeRateLimited, "location updates are too frequent"
	case errors.Is(err, dispatch.ErrAlreadyTaken):
		return CodeAlreadyTaken, "order already taken by another driver"
	case errors.Is(err, dispatch.ErrOrderCancelled):
		return CodeOrderCancelled, "order was cancelled"
	case errors.Is(err, dispatch.ErrDriverBusy):
		return CodeDriverBusy, "driver already has an accepted order"
	case errors.Is(err, storage.ErrNotFound):
		return CodeNotFound, "order not found"
	case errors.Is(err, errForeignFeed):
		return CodeForbidden, errForeignFeed.Error()
	case errors.Is(err, dispatch.ErrNotDriver):
		return CodeForbidden, "only drivers may do this"
	case errors.Is(err, dispatch.ErrForbidden):
		return CodeForbidden, "not a participant of this order"
	case errors.Is(err, storage.ErrInvalidTransition):
		return CodeInvalidTransition, "order can no longer change to that status"
	case errors.Is(err, bus.ErrTransient):
		return CodeTransientFailure, "temporary failure, retry"
	case errors.Is(err, errInvalidPayload):
		return CodeInvalidPayload, err.Error()
	case errors.Is(err, errUnknownEvent):
		return CodeUnknownEvent, err.Error()
	default:
		return CodeInternalError, "internal error"
	}
}
