package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/reflectd/reflectd/internal/v1/auth"
	"github.com/reflectd/reflectd/internal/v1/authfront"
	"github.com/reflectd/reflectd/internal/v1/config"
	"github.com/reflectd/reflectd/internal/v1/health"
	"github.com/reflectd/reflectd/internal/v1/logging"
	"github.com/reflectd/reflectd/internal/v1/middleware"
	"github.com/reflectd/reflectd/internal/v1/ratelimit"
	"github.com/reflectd/reflectd/internal/v1/room"
	"github.com/reflectd/reflectd/internal/v1/storage"
	"github.com/reflectd/reflectd/internal/v1/tracing"
	"github.com/reflectd/reflectd/internal/v1/transport"
)

func main() {
	// Load .env for local development. Try a few paths to handle different
	// ways of running the binary.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			envLoaded = true
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		os.Stderr.WriteString("environment validation failed: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	ctx := context.Background()

	if !envLoaded {
		logging.Warn(ctx, "No .env file found, relying on environment variables")
	}
	if cfg.DevelopmentMode {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	// --- Tracing (optional) ---
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "reflectd", cfg.OtelCollector)
		if err != nil {
			logging.Fatal(ctx, "Failed to initialize tracing", zap.Error(err))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logging.Error(shutdownCtx, "Tracer provider shutdown failed", zap.Error(err))
			}
		}()
		logging.Info(ctx, "Tracing initialized", zap.String("collector", cfg.OtelCollector))
	}

	// --- Durable store ---
	store, redisClient, err := openStore(ctx, cfg)
	if err != nil {
		logging.Fatal(ctx, "Failed to open durable store", zap.Error(err))
	}
	logging.Info(ctx, "Durable store ready", zap.String("backend", cfg.StoreBackend))

	// --- Auth handler ---
	var handler auth.Handler
	if cfg.SkipAuth {
		logging.Warn(ctx, "Authentication DISABLED - do not use in production")
		handler = &auth.MockHandler{}
	} else {
		validator, err := auth.NewValidator(ctx, cfg.AuthDomain, cfg.AuthAudience)
		if err != nil {
			logging.Fatal(ctx, "Failed to create auth validator", zap.Error(err))
		}
		handler = validator
		logging.Info(ctx, "JWKS validator initialized",
			zap.String("domain", cfg.AuthDomain),
			zap.String("audience", cfg.AuthAudience))
	}

	// --- Rate limiter ---
	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "Failed to create rate limiter", zap.Error(err))
	}

	// --- Hub and auth front ---
	hub := transport.NewHub(store, defaultMutators(), transport.HubOptions{
		RoomOptions: room.Options{
			TurnDuration:           time.Duration(cfg.TurnDurationMs) * time.Millisecond,
			AllowUnconfirmedWrites: cfg.AllowUnconfirmedWrites,
		},
		AllowedOrigins:     splitOrigins(cfg.AllowedOrigins),
		CleanupGracePeriod: time.Duration(cfg.RoomCleanupGraceSeconds) * time.Second,
	})

	front := authfront.New(storage.WithPrefix(store, "auth/"), hub, handler)
	front.SetUserLimit(limiter.CheckWebSocketUser)

	revalCtx, stopReval := context.WithCancel(ctx)
	defer stopReval()
	front.StartRevalidation(revalCtx, time.Duration(cfg.RevalidateIntervalSecs)*time.Second)

	// --- HTTP surface ---
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	if origins := splitOrigins(cfg.AllowedOrigins); len(origins) > 0 {
		corsConfig.AllowOrigins = origins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, authfront.HeaderAPIKey)
	router.Use(cors.New(corsConfig))

	router.GET("/connect", func(c *gin.Context) {
		if !limiter.CheckWebSocket(c) {
			return
		}
		front.Dispatch(c)
	})

	guard := authfront.RequireAPIKey(cfg.AdminKey)
	authAPI := router.Group("/api/auth/v0", guard)
	roomAPI := router.Group("/api/room/v0", guard)
	front.RegisterRoutes(authAPI, roomAPI)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(store)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "Server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(ctx, "Server failed", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	stopReval()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "HTTP server forced to shut down", zap.Error(err))
	}

	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Hub shutdown failed", zap.Error(err))
	}

	if err := store.Close(); err != nil {
		logging.Error(shutdownCtx, "Store close failed", zap.Error(err))
	}

	logging.Info(shutdownCtx, "Server exiting")
}

// openStore opens the configured storage backend. The returned redis client
// is non-nil only for the redis backend; the rate limiter shares it.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, *redis.Client, error) {
	switch cfg.StoreBackend {
	case "badger":
		store, err := storage.OpenBadger(storage.BadgerOptions{Path: cfg.StorePath})
		return store, nil, err
	case "redis":
		store, err := storage.NewRedisStore(ctx, storage.RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			Namespace: "reflect:v1:",
		})
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		return store, client, nil
	case "memory":
		return storage.NewMemoryStore(), nil, nil
	}
	return nil, nil, errors.New("unknown store backend: " + cfg.StoreBackend)
}

func splitOrigins(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
