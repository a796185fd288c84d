package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"agentflow/internal/api"
	"agentflow/internal/artifact"
	"agentflow/internal/bus"
	"agentflow/internal/config"
	"agentflow/internal/ratelimit"
	"agentflow/internal/store"
	"agentflow/internal/worker"
)

// The server hosts the producer API, the event bus, and the worker pool in
// one process: SSE subscribers must share a process with the emitters
// because the bus is in-memory. Scale-out across processes would need an
// external broker behind the bus and is deliberately not built here.
func main() {
	cfg := config.Load()

	log, err := newLogger(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN, store.Options{
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	})
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	eventBus := bus.New(bus.Options{
		Retention:         cfg.EventRetention,
		SubscriberBuffer:  cfg.SubscriberBuffer,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SessionIdleTTL:    cfg.SessionIdleTTL,
	}, log)
	eventBus.Start()
	defer eventBus.Stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	artifacts, err := newArtifactStore(ctx, cfg)
	if err != nil {
		log.Fatal("init artifact store", zap.Error(err))
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = fmt.Sprintf("pid-%d", os.Getpid())
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-%d", hostname, i)
		proc := worker.NewProcessor(cfg, st, eventBus, workerID, log)
		proc.RegisterHandler("echo", worker.NewEchoHandler(eventBus).Handle)
		proc.RegisterHandler("publish_artifact",
			worker.NewArtifactHandler(st, artifacts, eventBus, store.Fingerprint).Handle)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := proc.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("worker stopped", zap.String("worker_id", workerID), zap.Error(err))
			}
		}()
	}

	server := api.New(cfg, st, eventBus, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("server listening",
		zap.String("port", cfg.HTTPPort),
		zap.Int("workers", cfg.WorkerCount),
		zap.Duration("lease", cfg.LeaseDuration))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	wg.Wait()
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newArtifactStore(ctx context.Context, cfg config.Config) (artifact.Store, error) {
	if cfg.ArtifactS3Bucket != "" {
		return artifact.NewS3Store(ctx, cfg.ArtifactS3Bucket)
	}
	return artifact.NewLocalStore(cfg.ArtifactDir), nil
}
