package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-coordinator/internal/config"
	"github.com/example/ride-coordinator/internal/geo"
	"github.com/example/ride-coordinator/internal/logging"
	"github.com/example/ride-coordinator/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
	msgsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_skipped_total",
		Help: "Samples dropped because the driver is offline",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors, msgsSkipped)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.Log)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		loc, err := decodeLocation(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "err", err, "offset", m.Offset)
			continue
		}

		applied, err := updateRedisWithRetry(ctx, radapter, cfg.RedisGeoKey, loc, 3, 200*time.Millisecond)
		if err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "driver_id", loc.DriverID, "err", err)
			continue
		}
		if !applied {
			msgsSkipped.Inc()
			logger.Debug("skipped sample of offline driver", "driver_id", loc.DriverID)
			continue
		}
		redisUpdates.Inc()
	}
}

func decodeLocation(b []byte) (models.Location, error) {
	var loc models.Location
	if err := json.Unmarshal(b, &loc); err != nil {
		return loc, err
	}
	if loc.DriverID == "" {
		return loc, errors.New("missing driver_id")
	}
	if !geo.ValidCoord(loc.Coord()) {
		return loc, errors.New("coordinates out of range")
	}
	return loc, nil
}

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	// GeoAddIfOnline adds loc to key only while the driver is a member of
	// onlineKey, and reports whether it did.
	GeoAddIfOnline(ctx context.Context, key, onlineKey string, loc *redis.GeoLocation) (bool, error)
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

// geoAddIfOnline runs as one script so a concurrent offline toggle, which
// removes the driver from both sets in one transaction, cannot be undone by
// a sample still in flight.
var geoAddIfOnline = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[2], ARGV[3]) == 1 then
	redis.call('GEOADD', KEYS[1], ARGV[1], ARGV[2], ARGV[3])
	return 1
end
return 0
`)

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAddIfOnline(ctx context.Context, key, onlineKey string, loc *redis.GeoLocation) (bool, error) {
	n, err := geoAddIfOnline.Run(ctx, r.c, []string{key, onlineKey}, loc.Longitude, loc.Latitude, loc.Name).Int()
	return n == 1, err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

// updateRedisWithRetry writes the position to the geo set and the driver's
// metadata hash, retrying each step with doubling delay. Samples of drivers
// that are no longer online are skipped and reported as not applied.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey string, loc models.Location, attempts int, delay time.Duration) (bool, error) {
	meta := map[string]interface{}{
		"heading": strconv.FormatFloat(loc.Heading, 'f', -1, 64),
		"speed":   strconv.FormatFloat(loc.Speed, 'f', -1, 64),
		"updated": loc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	gl := &redis.GeoLocation{Longitude: loc.Lng, Latitude: loc.Lat, Name: loc.DriverID}
	for i := 0; i < attempts; i++ {
		added, err := rc.GeoAddIfOnline(ctx, geoKey, geo.OnlineKey(geoKey), gl)
		if err != nil {
			if i == attempts-1 {
				return false, err
			}
			if !sleep(ctx, delay) {
				return false, ctx.Err()
			}
			delay *= 2
			continue
		}
		if !added {
			return false, nil
		}
		if err := rc.HSet(ctx, geo.MetaKey(loc.DriverID), meta); err != nil {
			if i == attempts-1 {
				return false, err
			}
			if !sleep(ctx, delay) {
				return false, ctx.Err()
			}
			delay *= 2
			continue
		}
		return true, nil
	}
	return false, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
