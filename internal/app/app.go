// Package app wires the engine together and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/skygames/payout-engine/internal/api"
	"github.com/skygames/payout-engine/internal/config"
	"github.com/skygames/payout-engine/internal/db"
	"github.com/skygames/payout-engine/internal/observability"
	"github.com/skygames/payout-engine/internal/repository"
	"github.com/skygames/payout-engine/internal/service"
	"github.com/skygames/payout-engine/internal/soroban"
	"github.com/skygames/payout-engine/internal/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const shutdownGrace = 15 * time.Second

// App holds the assembled engine.
type App struct {
	cfg    *config.Config
	log    *zap.Logger
	server *http.Server

	settlement *worker.SettlementWorker
	reaper     *worker.TokenReaper

	cleanup []func()
}

// New builds the engine from configuration.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(log)
	observability.Init(prometheus.DefaultRegisterer)

	a := &App{cfg: cfg, log: log}

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	var chain soroban.Client
	if cfg.MockRPC() {
		log.Warn("running against the mock network", zap.String("rpc_url", cfg.SorobanRPCURL))
		chain = soroban.NewMockClient()
	} else {
		chain = soroban.NewRPCClient(cfg.SorobanRPCURL, cfg.NetworkPassphrase, log)
	}

	payouts := service.NewPayoutService(store, chain, service.Settings{
		LiveExecution:       cfg.LiveExecution,
		SignWithHotKey:      cfg.SignWithHotKey,
		MaxFeeStroops:       cfg.MaxFeeStroops,
		MaxSubmitAttempts:   cfg.MaxSubmitAttempts,
		ConfirmPollInterval: cfg.ConfirmPollInterval,
		ConfirmMaxPolls:     cfg.ConfirmMaxPolls,
		ContractID:          cfg.PayoutContractID,
		MethodName:          cfg.PayoutMethodName,
		SourceAccount:       cfg.PayoutSourceAccount,
		NetworkPassphrase:   cfg.NetworkPassphrase,
		HotSignerSecret:     cfg.HotSignerSecret,
	}, log)
	admin := service.NewAdminService(store, payouts, cfg.AdminTokenTTL, log)

	a.settlement = worker.NewSettlementWorker(store, payouts, log,
		worker.WithPollInterval(cfg.WorkerPollInterval),
		worker.WithBatchSize(cfg.WorkerBatchSize))
	a.reaper = worker.NewTokenReaper(admin, cfg.TokenReapInterval, log)

	router := api.NewRouter(payouts, admin, api.RouterConfig{
		JWTSecret:         cfg.JWTSecret,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
	}, log)
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) (repository.Store, error) {
	switch a.cfg.LedgerBackend {
	case config.BackendPostgres:
		pool, err := db.ConnectPostgres(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := repository.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		a.log.Info("ledger backend ready", zap.String("backend", config.BackendPostgres))
		return pg, nil

	case config.BackendRedis:
		client, err := db.ConnectRedis(ctx, a.cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, func() { _ = client.Close() })
		a.log.Info("ledger backend ready", zap.String("backend", config.BackendRedis))
		return repository.NewRedis(client), nil

	default:
		a.log.Warn("using the in-memory backend, state is lost on restart")
		return repository.NewMemory(), nil
	}
}

// Run starts the workers and the HTTP server and blocks until shutdown.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.settlement.Start(ctx)
	a.reaper.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server shutdown failed", zap.Error(err))
	}
	a.settlement.Stop()
	a.reaper.Stop()
	a.Close()
	return nil
}

// Close releases held resources.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
	_ = a.log.Sync()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
