package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/road-inundation-etl/internal/adapter/csvsource"
	httpadapter "github.com/couchcryptid/road-inundation-etl/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/road-inundation-etl/internal/adapter/kafka"
	"github.com/couchcryptid/road-inundation-etl/internal/adapter/snapshot"
	"github.com/couchcryptid/road-inundation-etl/internal/adapter/store"
	"github.com/couchcryptid/road-inundation-etl/internal/config"
	"github.com/couchcryptid/road-inundation-etl/internal/domain"
	"github.com/couchcryptid/road-inundation-etl/internal/observability"
	"github.com/couchcryptid/road-inundation-etl/internal/pipeline"
)

// snapshotBackend is the persisted export, written by the pipeline and read
// by the HTTP server.
type snapshotBackend interface {
	pipeline.SnapshotStore
	httpadapter.SnapshotLoader
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, metrics); err != nil {
		logger.Error("service failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) error {
	db, err := store.Open(ctx, cfg.FeatureStoreDriver, cfg.FeatureStoreDSN)
	if err != nil {
		return err
	}
	defer closeWithLog(logger, "feature store", db.Close)

	if err := db.Migrate(ctx); err != nil {
		return err
	}

	snapshots, err := openSnapshots(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeWithLog(logger, "snapshot store", snapshots.Close)
	logger.Info("snapshot backend ready", "backend", cfg.SnapshotBackend)

	opts := pipeline.Options{
		SourcePolicy: cfg.SourcePolicy,
		Window:       domain.Window{From: cfg.ForecastStart, To: cfg.ForecastEnd},
	}
	if cfg.KafkaEnabled() {
		writer := kafkaadapter.NewWriter(cfg, logger)
		defer closeWithLog(logger, "kafka writer", writer.Close)
		opts.Publisher = writer
		logger.Info("kafka publishing enabled", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	} else {
		logger.Info("kafka publishing disabled")
	}

	ratings := csvsource.NewRatingTable(cfg.RatingCurveCSV, csvsource.RatingColumns{
		Catchment: cfg.RatingCatchmentColumn,
		Stage:     cfg.RatingStageColumn,
		Discharge: cfg.RatingDischargeColumn,
	}, logger)
	forecasts := csvsource.NewForecastTable(cfg.ForecastCSV, logger)

	p := pipeline.New(db, ratings, forecasts, snapshots, logger, metrics, opts)
	srv := httpadapter.NewServer(cfg.HTTPAddr, p, snapshots, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start the pipeline. With no run interval it returns after one run.
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx, cfg.RunInterval)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		runErr = <-done
	case runErr = <-done:
		logger.Info("pipeline finished")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}

func openSnapshots(ctx context.Context, cfg *config.Config) (snapshotBackend, error) {
	switch cfg.SnapshotBackend {
	case "redis":
		rs, err := snapshot.NewRedisStore(cfg.RedisURL, cfg.SnapshotKey)
		if err != nil {
			return nil, err
		}
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return rs, nil
	default:
		return snapshot.NewFileStore(cfg.SnapshotPath), nil
	}
}

func closeWithLog(logger *slog.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Error("close error", "component", name, "error", err)
	}
}
