package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/locationcache"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]httpapi.Check{}

	var repo storage.OrderRepository
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		checks["postgres"] = ps.Ping
		repo = ps
	} else {
		logger.Warn("PG_DSN not set, orders are kept in memory")
		repo = storage.NewMemoryStore()
	}

	var (
		store   locationcache.Store
		geoIdx  geo.Geo
		rclient *redis.Client
	)
	if cfg.RedisAddr != "" {
		rclient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rclient.Close()
		checks["redis"] = func(ctx context.Context) error { return rclient.Ping(ctx).Err() }
		store = locationcache.NewRedisStore(rclient)
		geoIdx = geo.NewRedisGeo(rclient, cfg.RedisGeoKey)
	} else {
		mem := locationcache.NewMemoryStore()
		go mem.RunSweeper(ctx, cfg.LocationTTL)
		store = mem
		geoIdx = geo.NewIndex(cfg.LocationTTL)
	}
	cache := locationcache.New(store, cfg.LocationTTL)

	var b bus.Bus
	if cfg.NATSURL != "" {
		nb, err := bus.DialNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		b = nb
	} else {
		b = bus.NewMemory(cfg.BusBuffer, logger)
	}
	defer b.Close()

	relayOpts := ingest.Options{MinInterval: cfg.LocationMinInterval}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		relayOpts.Mirror = kp
	}
	relay := ingest.NewRelay(b, repo, cache, relayOpts, logger)
	defer relay.Flush()

	engine := dispatch.NewEngine(repo, b, cache, dispatch.Config{
		Interval:   cfg.DispatchTick,
		BurstTicks: cfg.DispatchBurstTicks,
		EveryNth:   cfg.DispatchEveryNth,
	}, logger)
	defer engine.Shutdown()

	unlisten, err := engine.Listen(b)
	if err != nil {
		return err
	}
	defer unlisten()
	if n, err := engine.Recover(ctx); err != nil {
		logger.Warn("pending order recovery incomplete", "recovered", n, "error", err)
	}

	// With Kafka and Redis both configured, cmd/consumer keeps the shared
	// geo index; otherwise this process maintains it from the bus.
	if len(cfg.KafkaBrokers) == 0 || rclient == nil {
		unfollow, err := geo.Follow(b, geoIdx, logger)
		if err != nil {
			return err
		}
		defer unfollow()
	}

	gw := gateway.New(auth.NewJWTVerifier(cfg.JWTSecret, ""), engine, relay, repo, cache, gateway.Options{
		AuthTimeout: cfg.WSAuthTimeout,
		SendBuffer:  cfg.WSSendBuffer,
		RadiusKm:    cfg.DispatchRadiusKm,
	}, logger)
	detach, err := gw.Attach(b)
	if err != nil {
		return err
	}
	defer detach()

	api := httpapi.NewServer(httpapi.Deps{
		Gateway:        gw,
		Orders:         engine,
		Locations:      cache,
		Geo:            geoIdx,
		Checks:         checks,
		NearbyRadiusKm: cfg.DispatchRadiusKm,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	gw.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	// let the write pumps flush their close frames
	time.Sleep(100 * time.Millisecond)
	return nil
}
