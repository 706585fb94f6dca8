package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tallyhq/tally-backend/config"
	"github.com/tallyhq/tally-backend/db"
	"github.com/tallyhq/tally-backend/handlers"
	"github.com/tallyhq/tally-backend/internal/auth"
	"github.com/tallyhq/tally-backend/internal/events"
	"github.com/tallyhq/tally-backend/internal/ratelimit"
	"github.com/tallyhq/tally-backend/internal/store/postgres"
	ws "github.com/tallyhq/tally-backend/internal/websocket"
	"github.com/tallyhq/tally-backend/logger"
	"github.com/tallyhq/tally-backend/models"
	"github.com/tallyhq/tally-backend/router"
	"github.com/tallyhq/tally-backend/services"
)

func main() {
	logger.InitLogger()
	defer logger.Close()
	log := logger.GetLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalw("Failed to load configuration", "error", err)
	}

	if err := db.RunMigrations(cfg.Database.URL()); err != nil {
		log.Fatalw("Failed to run migrations", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.ConnectionString())
	if err != nil {
		log.Fatalw("Invalid database configuration", "error", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConnections)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Fatalw("Failed to create connection pool", "error", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalw("Database unreachable", "error", err)
	}

	var rdb *redis.Client
	if cfg.Redis.UseRedis {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalw("Redis unreachable", "error", err)
		}
		defer rdb.Close()
	}

	// Stores.
	pollStore := postgres.NewPollStore(pool)
	voteStore := postgres.NewVoteStore(pool)
	userStore := postgres.NewUserStore(pool)
	notifStore := postgres.NewNotificationStore(pool)
	settingsStore := postgres.NewSettingsStore(pool)

	// Rate limiting.
	buckets := ratelimit.NewConfigStore()
	if err := handlers.LoadRateLimitOverrides(ctx, settingsStore, buckets); err != nil {
		log.Warnw("Failed to load rate limit overrides", "error", err)
	}
	var limiter ratelimit.Limiter
	if rdb != nil {
		limiter = ratelimit.NewRedisLimiter(rdb, buckets)
	} else {
		memLimiter := ratelimit.NewMemoryLimiter(buckets)
		defer memLimiter.Close()
		limiter = memLimiter
	}

	// Live update pipeline.
	hub := ws.NewHub(ws.DefaultHubConfig())
	var publisher *events.RedisPublisher
	if rdb != nil {
		publisher = events.NewRedisPublisher(rdb)
	}
	eventService := events.NewService(hub, publisher)
	eventService.StartRelay(ctx)

	// Services and models.
	emailService := services.NewEmailService(cfg, notifStore)
	defer emailService.Close()

	pollModel := models.NewPollModel(pollStore, notifStore, eventService)
	voteModel := models.NewVoteModel(pollStore, voteStore, userStore, eventService, emailService)
	resultsModel := models.NewResultsModel(pollModel)
	calendarModel := models.NewCalendarModel(userStore, pollStore)

	scheduler := services.NewScheduler(pollStore, userStore, emailService)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	deviceTokens := auth.NewDeviceTokenService(cfg.Server.DeviceTokenSecret)

	engine := router.New(router.Dependencies{
		Config:       cfg,
		DeviceTokens: deviceTokens,
		Limiter:      limiter,
		Polls:        handlers.NewPollHandler(pollModel, emailService),
		Votes:        handlers.NewVoteHandler(voteModel),
		Results:      handlers.NewResultsHandler(resultsModel),
		Exports:      handlers.NewExportHandler(resultsModel, calendarModel),
		Admin:        handlers.NewAdminHandler(settingsStore, buckets),
		Health:       handlers.NewHealthHandler(pool, rdb),
		Live:         ws.NewHandler(hub, pollModel, cfg.Server.AllowedOrigins, cfg.Server.Environment == config.EnvDevelopment),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infow("Server listening", "port", cfg.Server.Port, "environment", cfg.Server.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("Server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Infow("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Graceful shutdown failed", "error", err)
	}
}
