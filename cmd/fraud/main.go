package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/bank-core/internal/config"
	"github.com/richardliu001/bank-core/internal/fraudsvc"
	"github.com/richardliu001/bank-core/internal/logger"
)

// Reference risk-scoring service the core calls as its fraud gate.
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	router := fraudsvc.NewRouter(fraudsvc.NewScorer(rdb, time.Now, log), log)

	addr := fmt.Sprintf(":%d", cfg.Server.FraudPort)
	log.Infof("fraud service listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
