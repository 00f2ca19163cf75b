// Package dispatch keeps pending orders in front of drivers until one of
// them accepts, and resolves concurrent accepts so exactly one wins.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/locationcache"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrNotDriver      = errors.New("only drivers can accept orders")
	ErrAlreadyTaken   = errors.New("order already taken")
	ErrOrderCancelled = errors.New("order was cancelled")
	ErrForbidden      = errors.New("not a participant of this order")
	ErrDriverBusy     = storage.ErrDriverBusy
	ErrShutdown       = errors.New("dispatch engine is shut down")
)

type Config struct {
	// Interval between rebroadcast ticks.
	Interval time.Duration
	// BurstTicks is how many ticks publish unconditionally.
	BurstTicks int
	// EveryNth thins publishing to every Nth tick once the burst is over.
	EveryNth int
}

func DefaultConfig() Config {
	return Config{Interval: 3 * time.Second, BurstTicks: 10, EveryNth: 5}
}

// ShouldPublish reports whether tick (1-based) rebroadcasts the order.
func (c Config) ShouldPublish(tick int) bool {
	if tick <= c.BurstTicks {
		return true
	}
	every := c.EveryNth
	if every <= 0 {
		every = 1
	}
	return (tick-c.BurstTicks)%every == 0
}

type schedule struct {
	orderID string
	ticks   int
	cancel  context.CancelFunc
	done    chan struct{}
}

type Engine struct {
	repo   storage.OrderRepository
	bus    bus.Bus
	cache  *locationcache.Cache
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	schedules map[string]*schedule
	closed    bool
	wg        sync.WaitGroup
}

func NewEngine(repo storage.OrderRepository, b bus.Bus, cache *locationcache.Cache, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BurstTicks < 0 {
		cfg.BurstTicks = def.BurstTicks
	}
	if cfg.EveryNth <= 0 {
		cfg.EveryNth = def.EveryNth
	}
	return &Engine{
		repo:      repo,
		bus:       b,
		cache:     cache,
		cfg:       cfg,
		logger:    logging.OrDiscard(logger).With("component", "dispatch"),
		schedules: make(map[string]*schedule),
	}
}

// RegisterPendingOrder publishes o on order.available and keeps
// rebroadcasting it until it leaves pending. Every publish, the first one
// included, uses the stored order rather than o, so a stale copy of an
// order that was cancelled meanwhile is never offered. Registering an order
// that is already scheduled does nothing.
func (e *Engine) RegisterPendingOrder(_ context.Context, o models.Order) error {
	if o.Status != "" && o.Status != models.StatusPending {
		return nil
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrShutdown
	}
	if _, ok := e.schedules[o.ID]; ok {
		e.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &schedule{orderID: o.ID, cancel: cancel, done: make(chan struct{})}
	e.schedules[o.ID] = s
	e.wg.Add(1)
	e.mu.Unlock()

	observability.OrdersRegistered.Inc()
	observability.OrdersScheduled.Inc()
	e.logger.Info("order registered", "order_id", o.ID)

	go e.run(ctx, s)
	return nil
}

func (e *Engine) run(ctx context.Context, s *schedule) {
	defer e.wg.Done()
	defer close(s.done)
	defer e.forget(s)

	// the caller's copy may already be stale, publish what the store holds
	cur, live := e.reload(ctx, s)
	if !live {
		return
	}
	if cur != nil {
		e.publishAvailable(ctx, *cur)
	}

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.ticks++

		cur, live := e.reload(ctx, s)
		if !live {
			return
		}
		if cur != nil && e.cfg.ShouldPublish(s.ticks) {
			e.publishAvailable(ctx, *cur)
		}
	}
}

// reload re-reads the scheduled order. live is false once the schedule
// should end; a nil order with live set means the read failed transiently.
func (e *Engine) reload(ctx context.Context, s *schedule) (*models.Order, bool) {
	cur, err := e.repo.Get(ctx, s.orderID)
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("scheduled order vanished", "order_id", s.orderID)
		return nil, false
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, false
		}
		e.logger.Warn("re-read of scheduled order failed", "order_id", s.orderID, "tick", s.ticks, "error", err)
		return nil, true
	}
	if cur.Status != models.StatusPending {
		e.logger.Debug("order left pending, schedule ends", "order_id", s.orderID, "status", cur.Status)
		return nil, false
	}
	return cur, true
}

func (e *Engine) publishAvailable(ctx context.Context, o models.Order) {
	if ctx.Err() != nil {
		return
	}
	if err := bus.PublishJSON(ctx, e.bus, bus.ChannelOrderAvailable, o); err != nil {
		e.logger.Warn("order.available publish failed", "order_id", o.ID, "error", err)
		return
	}
	observability.Rebroadcasts.Inc()
}

func (e *Engine) forget(s *schedule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.schedules[s.orderID]; ok && cur == s {
		delete(e.schedules, s.orderID)
	}
	observability.OrdersScheduled.Dec()
}

// stop ends the order's schedule and waits for an in-flight tick. It is a
// no-op for orders that are not scheduled.
func (e *Engine) stop(orderID string) {
	e.mu.Lock()
	s, ok := e.schedules[orderID]
	if ok {
		delete(e.schedules, orderID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	<-s.done
}

// Scheduled reports whether orderID is currently in rebroadcast rotation.
func (e *Engine) Scheduled(orderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.schedules[orderID]
	return ok
}

// AcceptOrder assigns the order to driver through the repository's
// conditional write. Exactly one concurrent caller succeeds.
func (e *Engine) AcceptOrder(ctx context.Context, orderID string, driver models.Identity) (*models.Order, error) {
	start := time.Now()
	defer func() { observability.AcceptLatency.Observe(time.Since(start).Seconds()) }()

	if driver.Role != models.RoleDriver {
		observability.AcceptOutcomes.WithLabelValues("not_driver").Inc()
		return nil, ErrNotDriver
	}

	won, err := e.repo.ConditionalAccept(ctx, orderID, driver.UserID)
	if errors.Is(err, storage.ErrDriverBusy) {
		observability.AcceptOutcomes.WithLabelValues("driver_busy").Inc()
		return nil, fmt.Errorf("accept %s: %w", orderID, ErrDriverBusy)
	}
	if err != nil {
		observability.AcceptOutcomes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("accept %s: %w", orderID, err)
	}
	if !won {
		return nil, e.classifyLoss(ctx, orderID)
	}

	observability.AcceptOutcomes.WithLabelValues("won").Inc()
	e.stop(orderID)

	if err := e.cache.Promote(ctx, driver.UserID, orderID); err != nil {
		e.logger.Warn("promote cached location failed", "order_id", orderID, "driver_id", driver.UserID, "error", err)
	}

	order, err := e.repo.Get(ctx, orderID)
	if err != nil {
		e.logger.Warn("re-read of accepted order failed", "order_id", orderID, "error", err)
		d := driver.UserID
		order = &models.Order{ID: orderID, DriverID: &d, Status: models.StatusAccepted}
	} else if order.Driver() != driver.UserID {
		e.logger.Warn("accepted order shows another driver", "order_id", orderID, "driver_id", driver.UserID, "stored_driver_id", order.Driver())
	}

	e.publishStatus(ctx, orderID, models.StatusAccepted, driver.UserID)
	e.logger.Info("order accepted", "order_id", orderID, "driver_id", driver.UserID)
	return order, nil
}

func (e *Engine) classifyLoss(ctx context.Context, orderID string) error {
	cur, err := e.repo.Get(ctx, orderID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		observability.AcceptOutcomes.WithLabelValues("not_found").Inc()
		return fmt.Errorf("accept %s: %w", orderID, storage.ErrNotFound)
	case err != nil:
		observability.AcceptOutcomes.WithLabelValues("error").Inc()
		return fmt.Errorf("accept %s: %w", orderID, err)
	case cur.Status == models.StatusCancelled:
		observability.AcceptOutcomes.WithLabelValues("cancelled").Inc()
		return ErrOrderCancelled
	default:
		observability.AcceptOutcomes.WithLabelValues("lost").Inc()
		return ErrAlreadyTaken
	}
}

// CancelOrder cancels a pending or accepted order on behalf of its customer
// or assigned driver. No order.available publish for the order happens
// after it returns.
func (e *Engine) CancelOrder(ctx context.Context, orderID string, actor models.Identity) (*models.Order, error) {
	cur, err := e.repo.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("cancel %s: %w", orderID, err)
	}
	if !cur.Involves(actor.UserID) {
		return nil, ErrForbidden
	}

	e.stop(orderID)

	prior, err := e.repo.SetStatus(ctx, orderID, models.StatusCancelled)
	if err != nil {
		if cur.Status == models.StatusPending && !errors.Is(err, storage.ErrInvalidTransition) {
			if rerr := e.RegisterPendingOrder(context.WithoutCancel(ctx), *cur); rerr != nil {
				e.logger.Warn("re-register after failed cancel", "order_id", orderID, "error", rerr)
			}
		}
		return nil, fmt.Errorf("cancel %s: %w", orderID, err)
	}
	// a stale registration may have slipped in after the first stop
	e.stop(orderID)
	if d := prior.Driver(); d != "" {
		if err := e.cache.Untag(ctx, d); err != nil {
			e.logger.Warn("untag cached location failed", "order_id", orderID, "driver_id", d, "error", err)
		}
	}

	e.publishStatus(ctx, orderID, models.StatusCancelled, prior.Driver())
	e.logger.Info("order cancelled", "order_id", orderID, "actor_id", actor.UserID, "prior_status", prior.Status)

	out := *prior
	out.Status = models.StatusCancelled
	out.DriverID = nil
	return &out, nil
}

// CompleteOrder closes an accepted order. Only its assigned driver may.
func (e *Engine) CompleteOrder(ctx context.Context, orderID string, driver models.Identity) (*models.Order, error) {
	if driver.Role != models.RoleDriver {
		return nil, ErrNotDriver
	}
	cur, err := e.repo.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("complete %s: %w", orderID, err)
	}
	if cur.Driver() != driver.UserID {
		return nil, ErrForbidden
	}
	prior, err := e.repo.SetStatus(ctx, orderID, models.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("complete %s: %w", orderID, err)
	}
	if err := e.cache.Untag(ctx, driver.UserID); err != nil {
		e.logger.Warn("untag cached location failed", "order_id", orderID, "driver_id", driver.UserID, "error", err)
	}
	e.publishStatus(ctx, orderID, models.StatusCompleted, driver.UserID)

	out := *prior
	out.Status = models.StatusCompleted
	return &out, nil
}

func (e *Engine) publishStatus(ctx context.Context, orderID string, status models.OrderStatus, driverID string) {
	change := models.StatusChange{OrderID: orderID, Status: status, DriverID: driverID, At: time.Now().UTC()}
	if err := bus.PublishJSON(ctx, e.bus, bus.ChannelOrderStatus, change); err != nil {
		e.logger.Warn("order.status publish failed", "order_id", orderID, "status", status, "error", err)
	}
}

// SubmitOrder persists o as pending and puts it into rotation.
func (e *Engine) SubmitOrder(ctx context.Context, o *models.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if err := e.repo.CreatePending(ctx, o); err != nil {
		return err
	}
	return e.RegisterPendingOrder(ctx, *o)
}

// Recover registers every order that is still pending, typically right
// after a restart. Failures are collected, not fatal.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	orders, err := e.repo.FindPendingOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover pending orders: %w", err)
	}
	var errs []error
	n := 0
	for _, o := range orders {
		if err := e.RegisterPendingOrder(ctx, o); err != nil {
			e.logger.Warn("recover order failed", "order_id", o.ID, "error", err)
			errs = append(errs, fmt.Errorf("order %s: %w", o.ID, err))
			continue
		}
		n++
	}
	e.logger.Info("pending orders recovered", "count", n)
	return n, errors.Join(errs...)
}

// Listen registers orders announced on order.created by collaborators that
// persisted them on their own.
func (e *Engine) Listen(b bus.Bus) (func(), error) {
	return b.Subscribe(bus.ChannelOrderCreated, func(ctx context.Context, msg bus.Message) {
		var o models.Order
		if err := json.Unmarshal(msg.Payload, &o); err != nil || o.ID == "" {
			e.logger.Warn("ignoring malformed order.created", "error", err)
			return
		}
		cur, err := e.repo.Get(ctx, o.ID)
		if err != nil {
			e.logger.Warn("order.created for unknown order", "order_id", o.ID, "error", err)
			return
		}
		if err := e.RegisterPendingOrder(ctx, *cur); err != nil {
			e.logger.Warn("register created order failed", "order_id", o.ID, "error", err)
		}
	})
}

// Shutdown stops every schedule and waits for the loops to exit.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	all := make([]*schedule, 0, len(e.schedules))
	for _, s := range e.schedules {
		all = append(all, s)
	}
	e.mu.Unlock()

	for _, s := range all {
		s.cancel()
	}
	e.wg.Wait()
}
