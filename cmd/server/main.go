package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/bank-core/internal/config"
	"github.com/richardliu001/bank-core/internal/fraud"
	"github.com/richardliu001/bank-core/internal/logger"
	"github.com/richardliu001/bank-core/internal/metrics"
	"github.com/richardliu001/bank-core/internal/model"
	"github.com/richardliu001/bank-core/internal/repo"
	"github.com/richardliu001/bank-core/internal/service"
	httptransport "github.com/richardliu001/bank-core/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(model.AllModels()...); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. repo, fraud gate & service; publishing is the poller's job
	m := metrics.New()
	repository := repo.NewRepository(gdb, rdb, nil, log)
	fraudClient := fraud.NewClient(fraud.Options{
		URL:             cfg.Fraud.URL,
		Timeout:         cfg.Fraud.Timeout,
		BreakerFailures: cfg.Fraud.BreakerFailures,
		BreakerCooldown: cfg.Fraud.BreakerCooldown,
	}, nil, m, log)
	loc, err := cfg.Ledger.Location()
	if err != nil {
		log.Fatalf("limit timezone: %v", err)
	}
	svc := service.NewTransferService(repository, fraudClient, m, service.Options{
		FeeAccountNumber: cfg.Ledger.FeeAccountNumber,
		MinAmount:        cfg.Ledger.MinAmount,
		MaxAmount:        cfg.Ledger.MaxAmount,
		MaxRetries:       cfg.Ledger.MaxRetries,
		IdempotencyTTL:   cfg.Ledger.IdempotencyTTL,
		DedupTTL:         cfg.Ledger.DedupTTL,
		Location:         loc,
		Operators:        cfg.Ledger.ReversalOperators,
	}, log)

	// 6. gin router
	router := httptransport.NewRouter(svc, m.Handler(), cfg.RateLimit, log)

	// 7. serve until SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: router}
	go func() {
		log.Infof("bank-core server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}
