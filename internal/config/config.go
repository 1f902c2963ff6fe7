package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from the environment, or a .env file in the working
// directory, with defaults that run locally without any backend.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers         []string
	KafkaLocationTopic   string
	KafkaRideEventsTopic string

	JWTSecret string

	// OSRMURL enables routed quote ETAs; empty uses the straight-line estimate.
	OSRMURL     string
	ETACacheTTL time.Duration

	ResyncInterval time.Duration
	PendingTTL     time.Duration
	WSPongWait     time.Duration
	NearbyRadiusKm float64

	Log LogConfig
}

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ConsumerConfig configures the location stream consumer.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	MetricsAddr   string
	Log           LogConfig
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("HTTP_READ_TIMEOUT", "5s")
	v.SetDefault("HTTP_WRITE_TIMEOUT", "10s")
	v.SetDefault("HTTP_IDLE_TIMEOUT", "120s")
	v.SetDefault("HTTP_SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("REDIS_GEO_KEY", "drivers_geo")
	v.SetDefault("KAFKA_LOCATION_TOPIC", "driver-locations")
	v.SetDefault("KAFKA_RIDE_EVENTS_TOPIC", "ride-events")
	v.SetDefault("KAFKA_GROUP", "ride-coordinator-consumer")
	v.SetDefault("RESYNC_INTERVAL", "2s")
	v.SetDefault("PENDING_TTL", "15m")
	v.SetDefault("NEARBY_RADIUS_KM", 5.0)
	v.SetDefault("ETA_CACHE_TTL", "5m")
	v.SetDefault("WS_PONG_WAIT", "60s")
	v.SetDefault("METRICS_ADDR", ":2112")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 7)
	v.SetDefault("LOG_MAX_AGE_DAYS", 28)
	return v
}

func readEnvFile(v *viper.Viper) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("read .env: %w", err)
}

func LoadServerConfig() (ServerConfig, error) {
	v := newViper()
	if err := readEnvFile(v); err != nil {
		return ServerConfig{}, err
	}
	return serverConfigFrom(v)
}

func serverConfigFrom(v *viper.Viper) (ServerConfig, error) {
	var errs []error
	cfg := ServerConfig{
		HTTPAddr:             strings.TrimSpace(v.GetString("HTTP_ADDR")),
		PGDSN:                v.GetString("PG_DSN"),
		RunMigrations:        v.GetBool("MIGRATE"),
		RedisAddr:            strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:        v.GetString("REDIS_PASSWORD"),
		RedisGeoKey:          v.GetString("REDIS_GEO_KEY"),
		KafkaBrokers:         splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaLocationTopic:   v.GetString("KAFKA_LOCATION_TOPIC"),
		KafkaRideEventsTopic: v.GetString("KAFKA_RIDE_EVENTS_TOPIC"),
		JWTSecret:            v.GetString("JWT_SECRET"),
		OSRMURL:              strings.TrimRight(strings.TrimSpace(v.GetString("OSRM_URL")), "/"),
		Log:                  logConfigFrom(v, &errs),
	}
	setDuration(v, &cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDuration(v, &cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDuration(v, &cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDuration(v, &cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	setDuration(v, &cfg.ResyncInterval, "RESYNC_INTERVAL", &errs)
	setDuration(v, &cfg.PendingTTL, "PENDING_TTL", &errs)
	setFloat(v, &cfg.NearbyRadiusKm, "NEARBY_RADIUS_KM", &errs)
	setDuration(v, &cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setDuration(v, &cfg.WSPongWait, "WS_PONG_WAIT", &errs)

	if cfg.HTTPAddr == "" {
		errs = append(errs, fmt.Errorf("HTTP_ADDR must not be empty"))
	}
	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.ResyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("RESYNC_INTERVAL must be > 0"))
	}
	if cfg.PendingTTL < 0 {
		errs = append(errs, fmt.Errorf("PENDING_TTL must be >= 0"))
	}
	if cfg.NearbyRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("NEARBY_RADIUS_KM must be > 0"))
	}
	if cfg.RunMigrations && cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("MIGRATE requires PG_DSN"))
	}
	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	v := newViper()
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	if err := readEnvFile(v); err != nil {
		return ConsumerConfig{}, err
	}
	return consumerConfigFrom(v)
}

func consumerConfigFrom(v *viper.Viper) (ConsumerConfig, error) {
	var errs []error
	cfg := ConsumerConfig{
		KafkaBrokers:  splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:    v.GetString("KAFKA_LOCATION_TOPIC"),
		KafkaGroup:    v.GetString("KAFKA_GROUP"),
		RedisAddr:     strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisGeoKey:   v.GetString("REDIS_GEO_KEY"),
		MetricsAddr:   v.GetString("METRICS_ADDR"),
		Log:           logConfigFrom(v, &errs),
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	if cfg.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR must not be empty"))
	}
	return cfg, errors.Join(errs...)
}

func logConfigFrom(v *viper.Viper, errs *[]error) LogConfig {
	lc := LogConfig{
		Level: strings.ToLower(v.GetString("LOG_LEVEL")),
		File:  strings.TrimSpace(v.GetString("LOG_FILE")),
	}
	setInt(v, &lc.MaxSizeMB, "LOG_MAX_SIZE_MB", errs)
	setInt(v, &lc.MaxBackups, "LOG_MAX_BACKUPS", errs)
	setInt(v, &lc.MaxAgeDays, "LOG_MAX_AGE_DAYS", errs)
	return lc
}

// The setters parse explicitly so a malformed value is reported rather
// than silently read as zero.

func setDuration(v *viper.Viper, target *time.Duration, key string, errs *[]error) {
	d, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*target = d
}

func setFloat(v *viper.Viper, target *float64, key string, errs *[]error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v.GetString(key)), 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*target = f
}

func setInt(v *viper.Viper, target *int, key string, errs *[]error) {
	i, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*target = i
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
