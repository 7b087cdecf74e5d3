package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/bus-booking/internal/booking"
	"github.com/example/bus-booking/internal/chat"
	"github.com/example/bus-booking/internal/config"
	httpapi "github.com/example/bus-booking/internal/http"
	"github.com/example/bus-booking/internal/ingest"
	"github.com/example/bus-booking/internal/ledger"
	"github.com/example/bus-booking/internal/logging"
	"github.com/example/bus-booking/internal/payments"
	"github.com/example/bus-booking/internal/realtime"
	"github.com/example/bus-booking/internal/storage"
	"github.com/example/bus-booking/internal/tracking"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		panic(err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN, logger)
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable, falling back to memory store", "error", err)
		} else {
			store = ps
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	registry := realtime.NewRegistry()
	broadcaster := realtime.NewBroadcaster(registry, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var locations *storage.LocationCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		locations = storage.NewLocationCache(rdb, cfg.RedisGeoKey)
		bridge := realtime.NewRedisBridge(rdb, logger)
		broadcaster.AttachBridge(bridge)
		go func() {
			if err := bridge.Run(ctx, broadcaster.DeliverLocal); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("redis bridge stopped", "error", err)
			}
		}()
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
	}

	bookings := booking.NewService(store, store, broadcaster, logger)
	led := ledger.New(store, bookings, broadcaster, cfg.HoldTTL, logger)
	go led.StartSweeper(ctx, cfg.SweepInterval)

	relay := chat.NewRelay(store, store, broadcaster, logger)

	var trackingProducer tracking.LocationProducer
	if producer != nil {
		trackingProducer = producer
	}
	track := tracking.NewService(store, broadcaster, trackingProducer, logger)

	srv := httpapi.NewServer(cfg, logger, httpapi.Deps{
		Store:       store,
		Ledger:      led,
		Chat:        relay,
		Tracking:    track,
		Bookings:    bookings,
		Registry:    registry,
		Broadcaster: broadcaster,
		Payments:    payments.NewStripeClient(),
		Locations:   locations,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("bus-booking listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open error", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_core.sql"))
	if err != nil {
		logger.Error("migration read error", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
	}
}
