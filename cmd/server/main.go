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

	"github.com/example/ride-coordinator/internal/auth"
	"github.com/example/ride-coordinator/internal/config"
	"github.com/example/ride-coordinator/internal/coordinator"
	"github.com/example/ride-coordinator/internal/dispatch"
	"github.com/example/ride-coordinator/internal/eta"
	"github.com/example/ride-coordinator/internal/events"
	"github.com/example/ride-coordinator/internal/geo"
	httpapi "github.com/example/ride-coordinator/internal/http"
	"github.com/example/ride-coordinator/internal/ingest"
	"github.com/example/ride-coordinator/internal/logging"
	"github.com/example/ride-coordinator/internal/registry"
	"github.com/example/ride-coordinator/internal/relay"
	"github.com/example/ride-coordinator/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("storage", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	var (
		rc    redis.UniversalClient
		index geo.Index = geo.NewMemoryIndex()
	)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
	}
	bus := events.NewBus(rc, logger)
	if rc != nil {
		go func() {
			if err := bus.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("event bridge stopped", "err", err)
			}
		}()
	}

	var (
		locationSink relay.LocationSink
		rideSink     dispatch.RideEventSink
	)
	if len(cfg.KafkaBrokers) > 0 {
		lp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		rp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaRideEventsTopic)
		defer lp.Close()
		defer rp.Close()
		locationSink, rideSink = lp, rp
		logger.Info("kafka producers enabled", "brokers", cfg.KafkaBrokers)
	}

	rel := &relay.Service{
		Locations: store,
		Drivers:   store,
		Rides:     store,
		Index:     index,
		Bus:       bus,
		Sink:      locationSink,
		Logger:    logger,
	}
	reg := registry.NewService(store, index, rel, logger)
	if err := reg.SyncOnlineGauge(ctx); err != nil {
		logger.Warn("online_gauge_seed_failed", "err", err)
	}
	notifier := &dispatch.Notifier{Bus: bus, Drivers: reg, Sink: rideSink, Logger: logger}
	coord := coordinator.NewService(store, store, notifier, logger)

	reconciler := &dispatch.Reconciler{
		Rides:      store,
		Drivers:    reg,
		Trips:      store,
		Completer:  reg,
		Notifier:   notifier,
		Interval:   cfg.ResyncInterval,
		PendingTTL: cfg.PendingTTL,
		Logger:     logger,
	}
	go reconciler.Run(ctx)

	var estimator *eta.Estimator
	if cfg.OSRMURL != "" {
		estimator = &eta.Estimator{Client: eta.NewOSRMClient(cfg.OSRMURL), Cache: eta.NewCache(cfg.ETACacheTTL), Logger: logger}
	}

	api := httpapi.NewServer(&httpapi.Server{
		Coordinator:    coord,
		Registry:       reg,
		Relay:          rel,
		Bus:            bus,
		Auth:           auth.NewVerifier(cfg.JWTSecret),
		ETA:            estimator,
		Ready:          readiness(store, rc),
		NearbyRadiusKm: cfg.NearbyRadiusKm,
		PongWait:       cfg.WSPongWait,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "err", err)
		}
	}()

	logger.Info("ride-coordinator listening", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server", "err", err)
		os.Exit(1)
	}
	logger.Info("ride-coordinator stopped")
}

// openStore returns Postgres when PG_DSN is set and an in-memory store
// otherwise.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory storage")
		return storage.NewMemoryStore(), func() {}, nil
	}
	if cfg.RunMigrations {
		applied, err := storage.Migrate(cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("migrations applied", "files", applied)
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := storage.Connect(connectCtx, cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	return storage.NewPostgresStore(pool), pool.Close, nil
}

func readiness(store storage.Store, rc redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return err
		}
		if rc != nil {
			return rc.Ping(ctx).Err()
		}
		return nil
	}
}
