package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/salonlens/tryon-core/internal/cache"
	"github.com/salonlens/tryon-core/internal/config"
	"github.com/salonlens/tryon-core/internal/database"
	"github.com/salonlens/tryon-core/internal/handlers"
	"github.com/salonlens/tryon-core/internal/owner"
	"github.com/salonlens/tryon-core/internal/provider"
	"github.com/salonlens/tryon-core/internal/queue"
	"github.com/salonlens/tryon-core/internal/session"
	"github.com/salonlens/tryon-core/internal/storage"
	"github.com/salonlens/tryon-core/internal/token"
	"github.com/salonlens/tryon-core/internal/tryon"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load()

	db, err := database.NewPostgresDB(logger, database.PostgresConfig{
		User:     cfg.PostgresUser,
		Password: cfg.PostgresPassword,
		Host:     cfg.PostgresHost,
		Port:     cfg.PostgresPort,
		DBName:   cfg.PostgresDatabase,
		SSLMode:  cfg.PostgresSSLMode,
	})
	if err != nil {
		logger.WithError(err).Fatal("Database initialization failed")
	}

	fast := session.NewNoopCache()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.WithError(err).Fatal("Redis connection failed")
		}
		fast = session.NewRedisCache(rdb, cfg.SessionCacheTTL)
		logger.WithField("addr", cfg.RedisAddr).Info("Session fast-lookup cache enabled")
	}

	blobs := storage.NewS3Storage(cfg)

	codec := token.NewCodec(cfg.TokenSecret)
	resolver := owner.NewResolver(db, owner.AnonDefaults{
		Duration: cfg.AnonSessionDuration,
		MaxUses:  cfg.AnonMaxUses,
	})
	sessions := session.NewStore(logger, session.NewRepo(db), fast, codec, resolver)

	resultCache := cache.NewResultCache(logger, cache.NewEntryRepo(db), blobs)
	purger := cache.NewPurger(logger, resultCache, cfg.PurgeInterval, cfg.CacheMaxAge)

	generator := provider.NewGeminiClient(logger, cfg)
	styles := tryon.NewStyleRepo(db)
	service := tryon.NewService(logger, sessions, resultCache, blobs, generator, styles)

	jobRepo := queue.NewJobRepo(db)
	jobQueue := queue.New(logger, jobRepo, blobs)
	pool := queue.NewPool(logger, queue.PoolConfig{
		Concurrency:        cfg.WorkerConcurrency,
		PollInterval:       cfg.WorkerPollInterval,
		MaxAttempts:        cfg.JobMaxAttempts,
		RetryBase:          cfg.JobRetryBase,
		ReclaimAfter:       cfg.JobReclaimAfter,
		ProviderRate:       cfg.ProviderRate,
		ProviderRateWindow: cfg.ProviderRateWindow,
	}, jobRepo, blobs, service)

	api := handlers.NewAPI(logger, cfg, sessions, service, resultCache, jobQueue)

	ctx, cancel := context.WithCancel(context.Background())

	r := mux.NewRouter()
	r.Use(handlers.LoggingMiddleware(logger, db))
	r.Use(handlers.RateLimitMiddleware(ctx, cfg))
	handlers.RegisterRoutes(r, api)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		purger.Start(ctx)
	}()
	go func() {
		defer background.Done()
		pool.Start(ctx)
	}()

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
		<-sigint

		logger.Info("Shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Server shutdown error")
		}
	}()

	logger.WithField("addr", server.Addr).Info("Starting server")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("Server failed")
	}

	background.Wait()
}
