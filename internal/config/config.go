package config

import (
	"errors"
	"os"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Source policies applied when an input table cannot be read.
const (
	PolicyStrict  = "strict"
	PolicyLenient = "lenient"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// RunInterval repeats the pipeline on a ticker; zero runs it once.
	RunInterval time.Duration

	FeatureStoreDriver string // "sqlite" or "pgx"
	FeatureStoreDSN    string

	// NFIE hydraulic property table and its column names.
	RatingCurveCSV        string
	RatingCatchmentColumn string
	RatingStageColumn     string
	RatingDischargeColumn string

	// Forecast table and the horizon over which the peak is taken.
	ForecastCSV   string
	ForecastStart time.Time
	ForecastEnd   time.Time

	SourcePolicy string

	SnapshotBackend string // "file" or "redis"
	SnapshotPath    string
	SnapshotKey     string
	RedisURL        string

	// Kafka publishing is disabled when no brokers are configured.
	KafkaBrokers []string
	KafkaTopic   string
}

// KafkaEnabled reports whether segment results should be published.
func (c *Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	runInterval, err := time.ParseDuration(sharedcfg.EnvOrDefault("RUN_INTERVAL", "0s"))
	if err != nil || runInterval < 0 {
		return nil, errors.New("invalid RUN_INTERVAL")
	}

	forecastStart, err := parseOptionalTime("FORECAST_START")
	if err != nil {
		return nil, err
	}
	forecastEnd, err := parseOptionalTime("FORECAST_END")
	if err != nil {
		return nil, err
	}

	store, err := LoadFeatureStore()
	if err != nil {
		return nil, err
	}

	var brokers []string
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers = sharedcfg.ParseBrokers(v)
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		RunInterval:     runInterval,

		FeatureStoreDriver: store.Driver,
		FeatureStoreDSN:    store.DSN,

		RatingCurveCSV:        sharedcfg.EnvOrDefault("RATING_CURVE_CSV", "data/hydroprop-fulltable.csv"),
		RatingCatchmentColumn: sharedcfg.EnvOrDefault("RATING_CATCHMENT_COLUMN", "CatchId"),
		RatingStageColumn:     sharedcfg.EnvOrDefault("RATING_STAGE_COLUMN", "Stage"),
		RatingDischargeColumn: sharedcfg.EnvOrDefault("RATING_DISCHARGE_COLUMN", "Discharge (m3s-1)"),

		ForecastCSV:   sharedcfg.EnvOrDefault("FORECAST_CSV", "data/channel_rt.csv"),
		ForecastStart: forecastStart,
		ForecastEnd:   forecastEnd,

		SourcePolicy: sharedcfg.EnvOrDefault("SOURCE_POLICY", PolicyStrict),

		SnapshotBackend: sharedcfg.EnvOrDefault("SNAPSHOT_BACKEND", "file"),
		SnapshotPath:    sharedcfg.EnvOrDefault("SNAPSHOT_PATH", "data/road_inundation.msgpack"),
		SnapshotKey:     sharedcfg.EnvOrDefault("SNAPSHOT_KEY", "road-inundation:snapshot"),
		RedisURL:        os.Getenv("REDIS_URL"),

		KafkaBrokers: brokers,
		KafkaTopic:   sharedcfg.EnvOrDefault("KAFKA_TOPIC", "road-inundation"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FeatureStoreConfig locates the road feature database.
type FeatureStoreConfig struct {
	Driver string
	DSN    string
}

// LoadFeatureStore reads only FEATURE_STORE_DRIVER and FEATURE_STORE_DSN, for
// tools that touch nothing but the feature store.
func LoadFeatureStore() (FeatureStoreConfig, error) {
	fs := FeatureStoreConfig{
		Driver: sharedcfg.EnvOrDefault("FEATURE_STORE_DRIVER", "sqlite"),
		DSN:    sharedcfg.EnvOrDefault("FEATURE_STORE_DSN", "file:data/roads.db"),
	}
	switch fs.Driver {
	case "sqlite", "pgx":
	default:
		return FeatureStoreConfig{}, errors.New("FEATURE_STORE_DRIVER must be sqlite or pgx")
	}
	if fs.DSN == "" {
		return FeatureStoreConfig{}, errors.New("FEATURE_STORE_DSN is required")
	}
	return fs, nil
}

func (c *Config) validate() error {
	if c.RatingCurveCSV == "" {
		return errors.New("RATING_CURVE_CSV is required")
	}
	if c.ForecastCSV == "" {
		return errors.New("FORECAST_CSV is required")
	}
	if !c.ForecastStart.IsZero() && !c.ForecastEnd.IsZero() && c.ForecastEnd.Before(c.ForecastStart) {
		return errors.New("FORECAST_END is before FORECAST_START")
	}
	switch c.SourcePolicy {
	case PolicyStrict, PolicyLenient:
	default:
		return errors.New("SOURCE_POLICY must be strict or lenient")
	}
	switch c.SnapshotBackend {
	case "file":
		if c.SnapshotPath == "" {
			return errors.New("SNAPSHOT_PATH is required for the file backend")
		}
	case "redis":
		if c.RedisURL == "" {
			return errors.New("SNAPSHOT_BACKEND is redis but REDIS_URL is not set")
		}
	default:
		return errors.New("SNAPSHOT_BACKEND must be file or redis")
	}
	if c.KafkaEnabled() && c.KafkaTopic == "" {
		return errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

func parseOptionalTime(key string) (time.Time, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("invalid " + key + ": want RFC3339")
	}
	return t.UTC(), nil
}
