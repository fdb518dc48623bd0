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
	"github.com/richardliu001/bank-core/internal/job"
	"github.com/richardliu001/bank-core/internal/logger"
	"github.com/richardliu001/bank-core/internal/metrics"
	"github.com/richardliu001/bank-core/internal/repo"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	defer kw.Close()

	repo := repo.NewRepository(gdb, rdb, kw, log)
	m := metrics.New()

	relay := job.NewOutboxRelay(repo, m, time.Second, 100, log)
	reconciler := job.NewReconciler(repo, m, cfg.Reconciler.Interval, cfg.Reconciler.StaleAfter, cfg.Reconciler.Batch, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.MetricsPort), Handler: m.Handler()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Start(ctx) })
	g.Go(func() error { return reconciler.Start(ctx) })
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return metricsSrv.Close()
	})

	log.Info("bank-core poller started")
	if err := g.Wait(); err != nil {
		log.Errorf("poller: %v", err)
	}
	log.Info("bank-core poller stopped")
}
