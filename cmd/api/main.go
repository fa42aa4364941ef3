package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"auction-engine/internal/api"
	"auction-engine/internal/bidding"
	"auction-engine/internal/config"
	"auction-engine/internal/fanout"
	"auction-engine/internal/jobs"
	"auction-engine/internal/lifecycle"
	"auction-engine/internal/lock"
	"auction-engine/internal/logging"
	"auction-engine/internal/queue"
	"auction-engine/internal/ratelimit"
	"auction-engine/internal/store"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithField("error", err.Error()).Fatal("migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	hub := fanout.NewHub(cfg.BatchWindow, cfg.BatchMaxEvents)
	defer hub.Close()

	var bus fanout.Publisher = hub
	relay := fanout.NewRedisRelay(redisClient, cfg.RelayChannel, hub)
	if err := relay.Start(ctx); err != nil {
		log.WithField("error", err.Error()).Warn("relay unavailable, running with local fanout only")
	} else {
		bus = relay
		defer relay.Close()
	}

	var locker lock.Locker
	if cfg.LockBackend == "redis" {
		locker = lock.NewRedisLocker(redisClient, cfg.LockTimeout, 6*cfg.LockTimeout)
	} else {
		locker = lock.NewMemoryLocker(cfg.LockTimeout)
	}

	q := queue.NewRedisQueue(redisClient, cfg)
	dispatcher := jobs.NewDispatcher(st, q, cfg.MaxAttempts, cfg.IdempotencyTTL)
	bids := bidding.NewService(cfg, st, locker, bus, dispatcher)

	clock := lifecycle.NewClock(st, bus, dispatcher, cfg.SweepInterval)
	clock.Start(ctx)
	defer clock.Stop()

	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, bids, clock, hub, dispatcher, q, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err.Error()).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
