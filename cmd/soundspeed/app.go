package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"soundspeed/internal/adapters/batch"
	"soundspeed/internal/blob"
	"soundspeed/internal/climatology"
	"soundspeed/internal/config"
	"soundspeed/internal/core"
	"soundspeed/internal/correction"
	"soundspeed/internal/observability"
	"soundspeed/internal/parser"
	"soundspeed/internal/persistence"
	"soundspeed/pkg/domain"
)

// app holds everything a command needs, built once from the configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	svc      *core.Service
	engine   *correction.Engine
	closers  []func() error
}

type appOptions struct {
	trace io.Writer
}

func buildApp(ctx context.Context, cfg *config.Config, logOut io.Writer, o appOptions) (_ *app, err error) {
	logger, err := observability.NewLogger(logOut, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	recorder, err := observability.NewPrometheusRecorder(a.registry)
	if err != nil {
		return nil, err
	}
	metrics, err := correction.NewMetrics(a.registry)
	if err != nil {
		return nil, err
	}

	engineOpts := []correction.Option{
		correction.WithScheme(domain.Scheme(cfg.Correction.Scheme)),
		correction.WithCacheEntries(cfg.Correction.CacheEntries),
		correction.WithMetrics(metrics),
		correction.WithLogger(logger),
	}
	if cfg.Correction.RedisAddr != "" {
		tier, err := correction.NewRedisTier(ctx, cfg.Correction.RedisAddr, cfg.Correction.RedisPassword, cfg.Correction.RedisDB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, tier.Close)
		engineOpts = append(engineOpts, correction.WithTier(tier))
		logger.Info("shared correction cache enabled", "redis", cfg.Correction.RedisAddr)
	}
	if a.engine, err = correction.NewEngine(engineOpts...); err != nil {
		return nil, err
	}

	store, err := persistence.Open(cfg.PersistenceConfig())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	blobStore, err := blob.Open(ctx, cfg.BlobStoreConfig())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open archive: %w", err)
	}

	bank := parser.NewBank()
	clim := climatology.New(
		climatology.WithMaxDistance(cfg.Climatology.MaxDistanceM),
		climatology.WithThresholds(cfg.QC),
		climatology.WithSynthetic(cfg.Climatology.Synthetic == nil || *cfg.Climatology.Synthetic),
	)
	if cfg.Climatology.Dir != "" {
		n, err := clim.LoadDir(ctx, bank, cfg.Climatology.Dir)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("load climatology: %w", err)
		}
		logger.Info("climatology loaded", "dir", cfg.Climatology.Dir, "records", n)
	}

	opts := []core.Option{
		core.WithLogger(logger),
		core.WithMetricsRecorder(recorder),
		core.WithAuditRecorder(observability.NewLogAuditRecorder(logger)),
		core.WithThresholds(cfg.QC),
		core.WithSelectionDefaults(cfg.SelectionDefaults()),
		core.WithArchive(blob.NewArchive(blobStore)),
		core.WithParser(bank),
		core.WithEngine(a.engine),
		core.WithClimatology(clim),
		core.WithBatchWorker(batch.NewWorker(
			batch.WithWorkers(cfg.Workers.Count),
			batch.WithQueueSize(cfg.Workers.QueueSize),
		)),
	}
	if o.trace != nil {
		opts = append(opts, core.WithTracer(observability.NewJSONTracer(o.trace, 0)))
	}
	if a.svc, err = core.NewService(store, opts...); err != nil {
		_ = store.Close()
		return nil, err
	}
	logger.Debug("service ready",
		"store", cfg.Store.Driver, "blob", cfg.Blob.Driver, "scheme", a.engine.Scheme(), "workers", cfg.Workers.Count)
	return a, nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.svc != nil {
		errs = append(errs, a.svc.Worker().Stop(ctx), a.svc.Close(ctx))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
