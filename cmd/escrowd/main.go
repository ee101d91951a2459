package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/natefinch/lumberjack.v2"

	"buildescrow/config"
	"buildescrow/core/state"
	"buildescrow/native/escrow"
	"buildescrow/native/market"
	"buildescrow/observability/logging"
	"buildescrow/observability/metrics"
	"buildescrow/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	var logOut io.Writer
	if strings.TrimSpace(cfg.LogFile) != "" {
		logOut = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}
	}
	logger := logging.Setup("escrowd", cfg.Environment, logOut)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	manager := state.NewManager(db)
	store := market.NewStore(manager)
	if err := bootstrapMarket(cfg, store); err != nil {
		logger.Error("Failed to bootstrap market config", slog.Any("error", err))
		os.Exit(1)
	}

	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetMarket(store)
	engine.SetEmitter(metrics.NewEmitter(nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: cfg.ListenAddress, Handler: metricsMux()}
	go func() {
		logger.Info("Metrics endpoint listening", slog.String("addr", cfg.ListenAddress))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics endpoint failed", slog.Any("error", err))
			stop()
		}
	}()

	runSweeper(ctx, logger, engine, cfg)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics endpoint shutdown incomplete", slog.Any("error", err))
	}
	logger.Info("Shutdown complete")
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// bootstrapMarket seeds the on-disk market config on first start. Once the
// record exists the file-level bootstrap is ignored; further changes go
// through the authority-gated store operations.
func bootstrapMarket(cfg *config.Config, store *market.Store) error {
	initialized, err := store.Initialized()
	if err != nil {
		return err
	}
	if initialized {
		return nil
	}
	if !cfg.HasMarketBootstrap() {
		return fmt.Errorf("empty data dir and no [market] bootstrap in config")
	}
	mkt, err := cfg.MarketConfig()
	if err != nil {
		return err
	}
	return store.Init(mkt)
}

// runSweeper drives the deadline sweep until the context is cancelled.
func runSweeper(ctx context.Context, logger *slog.Logger, engine *escrow.Engine, cfg *config.Config) {
	interval := time.Duration(cfg.SweepIntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Timeout sweeper running",
		slog.Duration("interval", interval),
		slog.Int("batchLimit", cfg.SweepBatchLimit))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			processed, err := engine.ProcessTimeouts(time.Now().Unix(), cfg.SweepBatchLimit)
			metrics.Escrow().ObserveSweep(time.Since(start), err)
			if err != nil {
				logger.Error("Timeout sweep failed", slog.Any("error", err))
				continue
			}
			if processed > 0 {
				logger.Info("Timeout sweep refunded lapsed escrows", slog.Int("processed", processed))
			}
		}
	}
}
