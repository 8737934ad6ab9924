package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/adlift/listing-engine/internal/config"
	"github.com/adlift/listing-engine/internal/lifecycle/store"
	"github.com/adlift/listing-engine/internal/pkg/logger"
	"github.com/adlift/listing-engine/internal/worker"
)

func main() {
	log.Println("Starting Listing Engine optimizer worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.RedactPII != nil {
		logger.SetRedactPII(*cfg.Logging.RedactPII)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Failed to ping database: %v", err)
	}
	pingCancel()
	log.Println("Connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed (%s): %v — falling back to PG advisory locks", cfg.Redis.Addr, err)
			redisClient.Close()
			redisClient = nil
		} else {
			log.Printf("Redis connected: %s", cfg.Redis.Addr)
		}
		pingCancel()
	}

	st := store.NewOptimizerStore(db)
	optimizerWorker := worker.NewOptimizerWorker(db, &worker.StoreMetricsProvider{Store: st})
	optimizerWorker.SetPollInterval(time.Duration(cfg.Worker.PollIntervalSeconds) * time.Second)
	optimizerWorker.SetBatchSize(cfg.Worker.BatchSize)
	optimizerWorker.SetLockTTL(time.Duration(cfg.Worker.LockTTLSeconds) * time.Second)
	if redisClient != nil {
		optimizerWorker.SetRedisClient(redisClient)
	}

	if err := optimizerWorker.Start(); err != nil {
		log.Fatalf("Failed to start optimizer worker: %v", err)
	}
	log.Printf("Optimizer worker running (polls every %ds, batch %d)",
		cfg.Worker.PollIntervalSeconds, cfg.Worker.BatchSize)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	optimizerWorker.Stop()
	if redisClient != nil {
		redisClient.Close()
	}
	log.Println("Worker stopped")
}
