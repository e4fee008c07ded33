package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"pulse/internal/activity"
	"pulse/internal/eventbus"
	"pulse/internal/platform/config"
	"pulse/internal/platform/httpserver"
	"pulse/internal/platform/logger"
	"pulse/internal/platform/metrics"
	redisplatform "pulse/internal/platform/redis"
	httptransport "pulse/internal/transport/http"
	"pulse/internal/upload"
	"pulse/internal/user"
)

// main wires dependencies and keeps the server lifecycle small. Business
// logic lives in the internal service packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	db, err := sql.Open("pgx", cfg.PostgresURL)
	if err != nil {
		log.Error("open postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.PingContext(context.Background()); err != nil {
		log.Error("postgres ping failed", "error", err)
		os.Exit(1)
	}

	redisClient, err := redisplatform.New(cfg.Redis)
	if err != nil {
		log.Error("connect redis", "error", err)
		os.Exit(1)
	}

	bus := eventbus.New(
		eventbus.WithBufferSize(cfg.EventBufferSize),
		eventbus.WithLogger(log),
	)

	activityStore := activity.NewPostgresStore(db)
	recorder := activity.NewRecorder(activityStore, bus,
		activity.WithInboxSize(cfg.ActivityBufferSize),
		activity.WithLogger(log),
	)

	pool, err := upload.NewPool(cfg.UploadDir, int64(cfg.UploadWorkers), upload.WithLogger(log))
	if err != nil {
		log.Error("init upload pool", "error", err)
		os.Exit(1)
	}

	opts := []user.ServiceOption{
		user.WithLogger(log),
		user.WithMetrics(metrics.New()),
		user.WithUploads(pool),
		user.WithCacheTTL(cfg.CacheTTL),
		user.WithTimeouts(cfg.StoreTimeout, cfg.CacheTimeout, cfg.FileTimeout),
	}
	if redisClient != nil {
		opts = append(opts, user.WithCache(user.NewRedisCache(redisClient.Client)))
		defer redisClient.Close()
	} else {
		log.Info("redis not configured, cache disabled")
	}
	svc := user.NewService(user.NewPostgresStore(db), activityStore, recorder, bus, opts...)

	checks := []httptransport.HealthCheck{
		{Name: "postgres", Check: db.PingContext},
	}
	if redisClient != nil {
		checks = append(checks, httptransport.HealthCheck{Name: "redis", Check: redisClient.Health})
	}

	router := httptransport.NewRouter(
		httptransport.NewUserHandler(svc, log),
		httptransport.NewStreamHandler(svc, log, cfg.HeartbeatPeriod, cfg.StreamMinDelay),
		cfg.UploadDir,
		checks...,
	)
	srv := httpserver.New(cfg.Addr, router)

	// Background drain of the activity inbox, stopped with the server.
	runCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go func() {
		if err := recorder.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("activity recorder stopped", "error", err)
		}
	}()

	// Retention sweep: old activity records are purged on an interval.
	if cfg.ActivityRetention > 0 {
		go func() {
			ticker := time.NewTicker(cfg.ActivitySweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					cutoff := time.Now().Add(-cfg.ActivityRetention)
					n, err := svc.PurgeActivities(runCtx, cutoff)
					if err != nil {
						log.Error("activity retention sweep failed", "error", err)
						continue
					}
					if n > 0 {
						log.Info("activity retention sweep", "purged", n)
					}
				}
			}
		}()
	}

	log.Info("starting pulse", "addr", cfg.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
}
