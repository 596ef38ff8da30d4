package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/fleet-allocation/internal/anomaly"
	"github.com/example/fleet-allocation/internal/audit"
	"github.com/example/fleet-allocation/internal/geo"
	"github.com/example/fleet-allocation/internal/logging"
	"github.com/example/fleet-allocation/internal/models"
	"github.com/example/fleet-allocation/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_fixes_consumed_total",
		Help: "Total GPS fixes consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_fixes_invalid_total",
		Help: "Total invalid messages received",
	})
	fixesFlagged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_fixes_flagged_total",
		Help: "Total fixes flagged as possible spoofing",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis geo updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, fixesFlagged, redisUpdates, redisErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(os.Getenv("LOG_LEVEL"))

	brokers := splitBrokers(os.Getenv("KAFKA_BROKERS"))
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	topic := getenv("KAFKA_GPS_TOPIC", "driver-locations")
	group := getenv("KAFKA_GROUP", "fleet-allocation-consumer")
	geoKey := getenv("REDIS_GEO_KEY", "drivers_geo")
	redisAddr := getenv("REDIS_ADDR", "localhost:6379")

	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	geoIndex := geo.NewRedisIndex(rc, geoKey)

	var store storage.Store
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		ps, err := storage.NewPostgresStore(dsn)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, fixes update an in-memory store only")
		store = storage.NewMemoryStore()
	}

	monitor := &anomaly.Monitor{Store: store, Emitter: audit.Nop{}, Logger: logger}

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", topic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var fix models.LocationFix
		if err := json.Unmarshal(m.Value, &fix); err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid fix message", "error", err)
			continue
		}

		res, err := monitor.HandleLocation(ctx, fix)
		if err != nil {
			logger.Warn("fix handling failed", "driver_id", fix.DriverID, "error", err)
			continue
		}
		if res.SpoofingFlagged {
			fixesFlagged.Inc()
		}

		if err := updateGeoWithRetry(ctx, geoIndex, fix, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Warn("redis geo update failed", "driver_id", fix.DriverID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

// GeoUpdater is the slice of the geo index the consumer writes to.
// Satisfied by geo.RedisIndex; faked in tests.
type GeoUpdater interface {
	Upsert(ctx context.Context, driverID string, fix models.GPSFix) error
}

// updateGeoWithRetry refreshes the shared geo index with retry/backoff.
func updateGeoWithRetry(ctx context.Context, idx GeoUpdater, fix models.LocationFix, attempts int, delay time.Duration) error {
	g := models.GPSFix{
		Coord:       fix.Coord,
		AccuracyM:   fix.AccuracyM,
		SpeedMps:    fix.SpeedMps,
		Heading:     fix.Heading,
		LastUpdated: fix.At,
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = idx.Upsert(ctx, fix.DriverID, g); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func splitBrokers(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, b := range strings.Split(v, ",") {
		if s := strings.TrimSpace(b); s != "" {
			out = append(out, s)
		}
	}
	return out
}
