package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ChuLiYu/carbonite/internal/coldstore"
	"github.com/ChuLiYu/carbonite/internal/controller"
	"github.com/ChuLiYu/carbonite/internal/metadata"
	"github.com/ChuLiYu/carbonite/internal/metrics"
	"github.com/ChuLiYu/carbonite/internal/server"
	"github.com/ChuLiYu/carbonite/internal/worker"
)

// app 一個 archiver 程序的所有元件
type app struct {
	cfg *Config
	log *slog.Logger

	store      metadata.Store
	closeStore func()
	cold       *coldstore.FileStore
	collector  *metrics.Collector
	registry   *prometheus.Registry
	pool       *worker.Pool
	ctrl       *controller.Controller

	metricsSrv *http.Server
	grpcSrv    *server.Server
}

// newApp 建立並連接所有元件，尚未啟動任何 goroutine
func newApp(ctx context.Context, cfg *Config, logger *slog.Logger, seedFile string) (*app, error) {
	a := &app{cfg: cfg, log: logger, closeStore: func() {}}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closeStore = closeStore

	if seedFile == "" {
		seedFile = cfg.Metadata.SeedFile
	}
	if seedFile != "" {
		records, err := metadata.LoadSeedFile(seedFile)
		if err != nil {
			a.closeStore()
			return nil, err
		}
		n, err := metadata.Seed(ctx, a.store, records)
		if err != nil {
			a.closeStore()
			return nil, fmt.Errorf("seed metadata store: %w", err)
		}
		logger.Info("Seeded metadata store", "file", seedFile, "records", len(records), "inserted", n)
	}

	a.cold, err = coldstore.NewFileStore(cfg.ColdStorage.Dir)
	if err != nil {
		a.closeStore()
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.collector = metrics.NewCollector(a.registry)

	wcfg := cfg.WorkerConfig()
	wcfg.Logger = logger
	a.pool = worker.NewPool(wcfg, a.store, a.cold, a.collector)

	ccfg := cfg.ControllerConfig()
	ccfg.Logger = logger
	ccfg.Recorder = a.collector
	a.ctrl, err = controller.New(ccfg, a.store, a.pool)
	if err != nil {
		a.closeStore()
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}
	a.pool.SetCompletionSink(a.ctrl)

	if cfg.Metrics.Enabled {
		a.metricsSrv = metrics.NewServer(cfg.Metrics.Port, a.registry)
	}
	if cfg.GRPC.Enabled {
		a.grpcSrv = server.New(server.Config{
			Port:                   cfg.GRPC.Port,
			MaxConsecutiveFailures: cfg.GRPC.MaxConsecutiveFailures,
			Logger:                 logger,
		}, a.ctrl)
	}
	return a, nil
}

func openStore(ctx context.Context, cfg *Config) (metadata.Store, func(), error) {
	switch cfg.Metadata.Driver {
	case DriverMemory:
		return metadata.NewMemStore(), func() {}, nil
	case DriverPostgres:
		pg, err := metadata.Connect(ctx, cfg.Metadata.DSN, cfg.PoolConfig())
		if err != nil {
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported metadata driver: %q", cfg.Metadata.Driver)
	}
}

// start 啟動順序：freezer → controller → 對外端點
func (a *app) start() error {
	if err := a.pool.Start(); err != nil {
		return fmt.Errorf("failed to start freezer pool: %w", err)
	}
	if err := a.ctrl.Start(); err != nil {
		a.pool.Stop()
		return fmt.Errorf("failed to start controller: %w", err)
	}

	if a.grpcSrv != nil {
		if err := a.grpcSrv.Start(); err != nil {
			a.ctrl.Stop()
			a.pool.Stop()
			return err
		}
	}

	if a.metricsSrv != nil {
		srv := a.metricsSrv
		go func() {
			a.log.Info("Starting metrics server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("Metrics server error", "error", err)
			}
		}()
	}
	return nil
}

// stop 先停控制循環，再等 freezer 送出最後的完成通知
func (a *app) stop(ctx context.Context) {
	a.ctrl.Stop()
	a.pool.Stop()

	if a.grpcSrv != nil {
		a.grpcSrv.Stop()
	}
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			a.log.Warn("Metrics server shutdown", "error", err)
		}
	}
	a.closeStore()
}
