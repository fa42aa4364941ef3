package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"auction-engine/internal/config"
	"auction-engine/internal/fanout"
	"auction-engine/internal/logging"
	"auction-engine/internal/queue"
	"auction-engine/internal/store"
	"auction-engine/internal/telemetry"
	workerproc "auction-engine/internal/worker"
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

	// Worker instances publish through the relay so the API instances'
	// subscribers see price propagation events.
	hub := fanout.NewHub(cfg.BatchWindow, cfg.BatchMaxEvents)
	defer hub.Close()
	var bus fanout.Publisher = hub
	relay := fanout.NewRedisRelay(redisClient, cfg.RelayChannel, hub)
	if err := relay.Start(ctx); err != nil {
		log.WithField("error", err.Error()).Warn("relay unavailable, events stay local")
	} else {
		bus = relay
		defer relay.Close()
	}

	q := queue.NewRedisQueue(redisClient, cfg)
	processor := workerproc.NewProcessor(cfg, q, st)
	workerproc.NewHandlers(st, redisClient, bus, cfg.CacheKeyPrefix).RegisterAll(processor)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithField("error", err.Error()).Warn("metrics server stopped")
		}
	}()

	log.WithFields(log.Fields{
		"lanes":      cfg.Lanes,
		"visibility": cfg.VisibilityTimeout.String(),
		"backoff":    cfg.BackoffInitial.String(),
	}).Info("worker started")
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		log.WithField("error", err.Error()).Info("worker stopped")
	}
}
