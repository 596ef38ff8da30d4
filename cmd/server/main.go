package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/fleet-allocation/internal/allocation"
	"github.com/example/fleet-allocation/internal/anomaly"
	"github.com/example/fleet-allocation/internal/audit"
	"github.com/example/fleet-allocation/internal/config"
	"github.com/example/fleet-allocation/internal/dispatch"
	"github.com/example/fleet-allocation/internal/geo"
	httpapi "github.com/example/fleet-allocation/internal/http"
	"github.com/example/fleet-allocation/internal/ingest"
	"github.com/example/fleet-allocation/internal/logging"
	"github.com/example/fleet-allocation/internal/models"
	"github.com/example/fleet-allocation/internal/payments"
	"github.com/example/fleet-allocation/internal/storage"
	"github.com/example/fleet-allocation/internal/tier"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var exclusions allocation.ExclusionSet
	var redisGeo *geo.RedisIndex
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		exclusions = allocation.NewRedisExclusions(rc)
		redisGeo = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
	} else {
		logger.Warn("REDIS_ADDR not set, exclusion sets are process-local")
		exclusions = allocation.NewMemoryExclusions()
	}

	var emitter audit.Emitter = audit.Nop{}
	var kafkaEmitter *audit.KafkaEmitter
	if len(cfg.KafkaBrokers) > 0 {
		kafkaEmitter = audit.NewKafkaEmitter(cfg.KafkaBrokers, cfg.KafkaAuditTopic, cfg.KafkaNotifyTopic, logger)
		emitter = kafkaEmitter
	} else {
		logger.Warn("KAFKA_BROKERS not set, audit events are discarded")
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaGPSTopic)
	}

	classifier := &tier.Classifier{Store: store, Emitter: emitter, Logger: logger}
	monitor := &anomaly.Monitor{
		Store:   store,
		Emitter: emitter,
		Logger:  logger,
		Zones:   loadZones(cfg.ZonesFile, logger),
	}
	wsreg := dispatch.NewWSRegistry()
	orc := &allocation.Orchestrator{
		Store:            store,
		Resolver:         &allocation.Resolver{Store: store, SpeedMps: cfg.UrbanSpeedMps},
		Exclusions:       exclusions,
		Classifier:       classifier,
		Dispatch:         dispatch.NewPushDispatcher(cfg.PushEndpoint, wsreg),
		Emitter:          emitter,
		Logger:           logger,
		MaxClaimAttempts: cfg.MaxClaimAttempts,
	}
	if os.Getenv("STRIPE_API_KEY") != "" {
		orc.Payments = payments.NewStripeClient()
	}

	srv := httpapi.NewServer(orc, monitor, store, producer, wsreg, logger)
	srv.RedisGeo = redisGeo
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// periodic sweeps: idle/geofence detection and tier reclassification
	go func() {
		t := time.NewTicker(cfg.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				monitor.Sweep(ctx)
				classifier.Sweep(ctx)
			}
		}
	}()

	go func() {
		logger.Info("fleet-allocation listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if producer != nil {
		_ = producer.Close()
	}
	if kafkaEmitter != nil {
		_ = kafkaEmitter.Close()
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

func loadZones(path string, logger *slog.Logger) []models.GeofenceZone {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("zones file read failed, geofence checks disabled", "path", path, "error", err)
		return nil
	}
	var zones []models.GeofenceZone
	if err := json.Unmarshal(b, &zones); err != nil {
		logger.Warn("zones file parse failed, geofence checks disabled", "path", path, "error", err)
		return nil
	}
	return zones
}
