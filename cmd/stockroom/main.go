package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cimillas/stockroom/internal/app"
	"github.com/cimillas/stockroom/internal/clock"
	"github.com/cimillas/stockroom/internal/config"
	"github.com/cimillas/stockroom/internal/platform/metrics"
	"github.com/cimillas/stockroom/internal/platform/observability"
	transporthttp "github.com/cimillas/stockroom/internal/transport/http"
)

const (
	serviceName       = "stockroom"
	serviceVersion    = "0.1.0"
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	bootLogger, err := observability.NewLogger(serviceName, "info")
	if err != nil {
		return err
	}
	config.LoadEnvFile(bootLogger)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewLogger(serviceName, cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelCfg := observability.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Endpoint:       cfg.OTelEndpoint,
		AuthHeader:     cfg.OTelAuthHeader,
		Insecure:       cfg.OTelInsecure,
	}
	shutdownOTel, err := observability.Setup(ctx, otelCfg)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTel(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()
	if otelCfg.Enabled() {
		logger = observability.WithOTelBridge(logger, serviceName, cfg.LogLevel)
	}
	defer func() { _ = logger.Sync() }()

	reg := metrics.New()
	clk := clock.NewSystem()

	st, err := openStore(ctx, cfg, clk, logger)
	if err != nil {
		return err
	}
	defer st.close()

	engine := app.NewReservationEngine(st.repo, clk,
		app.WithReservationTTL(cfg.ReservationTTL),
		app.WithConflictRetries(cfg.MaxConflictRetries, 0, 0),
		app.WithMetrics(reg),
	)
	catalog := app.NewCatalogService(st.repo, app.WithLowStockThreshold(cfg.LowStockThreshold))
	reconciler := app.NewReconciler(engine, logger,
		app.WithReconcileConcurrency(cfg.ReconcileConcurrency),
		app.WithReconcileMetrics(reg),
	)

	router := transporthttp.NewRouter(transporthttp.Routes{
		Catalog: catalog,
		Stock:   engine,
		Metrics: reg.Handler(),
		Ready:   st.pinger,
	})
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           transporthttp.RequestLogger(transporthttp.CORS(cfg.CORSOrigins, router), logger, reg),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", server.Addr), zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if cfg.KafkaEnabled() {
		closeConsumers, err := startConsumers(gctx, g, cfg, engine, reconciler, reg, logger)
		if err != nil {
			closeConsumers()
			stop()
			_ = g.Wait()
			return err
		}
		defer closeConsumers()
	}

	if cfg.ReservationTTL > 0 {
		sweeper := app.NewSweeper(engine, cfg.SweepInterval, logger)
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	err = g.Wait()
	logger.Info("stopped")
	return err
}
