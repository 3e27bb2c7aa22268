package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cimillas/stockroom/internal/app"
	"github.com/cimillas/stockroom/internal/clock"
	"github.com/cimillas/stockroom/internal/config"
	"github.com/cimillas/stockroom/internal/storage/memory"
	"github.com/cimillas/stockroom/internal/storage/postgres"
	transporthttp "github.com/cimillas/stockroom/internal/transport/http"
	"github.com/cimillas/stockroom/migrations"
)

const startupTimeout = 10 * time.Second

type repository interface {
	app.StockRepository
	app.CatalogRepository
}

type store struct {
	repo   repository
	pinger transporthttp.Pinger
	close  func()
}

func openStore(ctx context.Context, cfg config.Config, clk clock.Clock, logger *zap.Logger) (store, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory store; data is lost on exit")
		return store{repo: memory.New(memory.WithClock(clk)), close: func() {}}, nil
	}

	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	pool, err := pgxpool.New(startupCtx, cfg.DatabaseURL)
	if err != nil {
		return store{}, fmt.Errorf("connect to db: %w", err)
	}
	if err := pool.Ping(startupCtx); err != nil {
		pool.Close()
		return store{}, fmt.Errorf("db ping: %w", err)
	}
	if err := migrations.Apply(startupCtx, pool); err != nil {
		pool.Close()
		return store{}, fmt.Errorf("apply migrations: %w", err)
	}

	mode := postgres.LockingMode(cfg.LockingMode)
	logger.Info("postgres store ready", zap.String("locking_mode", string(mode)))
	return store{
		repo:   postgres.NewStockStore(pool, mode),
		pinger: pool,
		close:  pool.Close,
	}, nil
}
