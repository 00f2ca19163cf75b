package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/locationcache"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, o *models.Order) error
}

type LocationReader interface {
	Last(ctx context.Context, driverID string) (models.LocationSample, error)
}

// Check reports whether a dependency is ready to serve.
type Check func(ctx context.Context) error

type Deps struct {
	Gateway   http.Handler
	Orders    OrderSubmitter
	Locations LocationReader
	Geo       geo.Geo
	Checks    map[string]Check
	// NearbyRadiusKm bounds the nearby query when the caller gives none.
	NearbyRadiusKm float64
}

type Server struct {
	deps     Deps
	mux      *mux.Router
	validate *validator.Validate
	logger   *slog.Logger
}

const (
	defaultNearbyLimit = 10
	maxNearbyLimit     = 100
)

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if deps.NearbyRadiusKm <= 0 {
		deps.NearbyRadiusKm = 5
	}
	s := &Server{
		deps:     deps,
		mux:      mux.NewRouter(),
		validate: validator.New(),
		logger:   logging.OrDiscard(logger).With("component", "http"),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	if s.deps.Gateway != nil {
		s.mux.Handle("/ws", s.deps.Gateway).Methods(http.MethodGet).Name("ws")
	}
	s.mux.HandleFunc("/internal/orders", s.handleCreateOrder).Methods(http.MethodPost).Name("create_order")
	s.mux.HandleFunc("/api/v1/drivers/nearby", s.handleNearbyDrivers).Methods(http.MethodGet).Name("nearby_drivers")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/location", s.handleDriverLocation).Methods(http.MethodGet).Name("driver_location")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createOrderRequest struct {
	ID            string `json:"id"`
	CustomerID    string `json:"customer_id" validate:"required"`
	DestinationID string `json:"destination_id"`
	Pickup        struct {
		Address string  `json:"address"`
		Lat     float64 `json:"lat" validate:"gte=-90,lte=90"`
		Lon     float64 `json:"lon" validate:"gte=-180,lte=180"`
	} `json:"pickup_location"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed order: "+err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	o := &models.Order{
		ID:            req.ID,
		CustomerID:    req.CustomerID,
		DestinationID: req.DestinationID,
		Pickup:        models.Pickup{Address: req.Pickup.Address, Lat: req.Pickup.Lat, Lon: req.Pickup.Lon},
	}
	err := s.deps.Orders.SubmitOrder(r.Context(), o)
	switch {
	case errors.Is(err, storage.ErrDuplicateOrder):
		writeError(w, http.StatusConflict, "order already exists")
		return
	case err != nil:
		s.logger.Error("submit order failed", "order_id", o.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not register order")
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	loc, err := s.deps.Locations.Last(r.Context(), driverID)
	switch {
	case errors.Is(err, locationcache.ErrMiss):
		writeError(w, http.StatusNotFound, "no recent location for driver")
		return
	case err != nil:
		s.logger.Warn("location lookup failed", "driver_id", driverID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "location cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		writeError(w, http.StatusBadRequest, "lat and lon must be valid coordinates")
		return
	}
	radiusKm := s.deps.NearbyRadiusKm
	if v := q.Get("radius_km"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			radiusKm = f
		}
	}
	limit := defaultNearbyLimit
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxNearbyLimit)
		}
	}

	drivers, err := s.deps.Geo.Nearby(r.Context(), lat, lon, radiusKm*1000, limit)
	if err != nil {
		s.logger.Warn("nearby query failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "geo index unavailable")
		return
	}
	if drivers == nil {
		drivers = []geo.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": drivers})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("readiness check failed", "failed", failed)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failed": failed})
		return
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
