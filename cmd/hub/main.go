package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ots-hub/hub-server/internal/api"
	"github.com/ots-hub/hub-server/internal/config"
	"github.com/ots-hub/hub-server/internal/httputil"
	"github.com/ots-hub/hub-server/internal/hub"
	"github.com/ots-hub/hub-server/internal/postgres"
	"github.com/ots-hub/hub-server/internal/telemetry"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Str("version", config.Version).Msg("Starting OTS Hub")

	if cfg.SharedToken == "change-me-in-production" {
		log.Warn().Msg("HUB_TOKEN is still the default value. Set a strong shared token before exposing the hub.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional PostgreSQL telemetry persistence.
	var persister telemetry.Persister
	if cfg.DatabaseConfigured() {
		db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer db.Close()
		log.Info().Msg("PostgreSQL connected")

		if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		log.Info().Msg("Database migrations complete")

		persister = telemetry.NewPGRepository(db, log.Logger)
	} else {
		log.Info().Msg("DATABASE_URL not set, telemetry persistence disabled")
	}

	// Optional Redis event tap.
	var tap hub.FrameTap
	if cfg.RedisConfigured() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		defer func() { _ = rdb.Close() }()
		log.Info().Msg("Redis connected, event tap enabled")

		tap = hub.NewTap(rdb, log.Logger)
	}

	registry := hub.NewRegistry(log.Logger)
	commands := hub.NewCorrelator(cfg.CommandHistoryCap, log.Logger)
	store := telemetry.NewStore(persister, cfg.PersistInterval, cfg.LivenessWindow, log.Logger)
	router := hub.NewRouter(registry, commands, store, tap, cfg.SharedToken, log.Logger)
	h := hub.NewHub(registry, router, commands, store, cfg, log.Logger)

	go h.RunStaleSweep(ctx)
	go h.RunCommandExpiry(ctx)

	app := fiber.New(fiber.Config{
		AppName: cfg.ServiceName,
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.CORSAllowOrigins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))

	registerRoutes(ctx, app, cfg, registry, commands, store, h)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		cancel()
		_ = app.ShutdownWithTimeout(10 * time.Second)
		h.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func registerRoutes(
	ctx context.Context,
	app *fiber.App,
	cfg *config.Config,
	registry *hub.Registry,
	commands *hub.Correlator,
	store *telemetry.Store,
	h *hub.Hub,
) {
	startTime := time.Now()

	health := api.NewHealthHandler(registry, cfg.ServiceName, config.Version, startTime)
	app.Get("/", health.Root)
	app.Get("/health", health.Health)

	status := api.NewStatusHandler(registry, commands, store)
	app.Get("/api/v1/status", status.Status)
	app.Get("/api/v1/telemetry/:instance_id", status.Telemetry)

	command := api.NewCommandHandler(registry, commands, cfg.SharedToken, log.Logger)
	app.Post("/api/v1/command", command.Send)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	ws := api.NewWSHandler(ctx, h)
	app.Get("/ws/:instance_id", ws.Upgrade)
}
