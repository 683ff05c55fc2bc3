package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/planningpoker/core/internal/auth"
	"github.com/planningpoker/core/internal/bus"
	"github.com/planningpoker/core/internal/config"
	"github.com/planningpoker/core/internal/export"
	"github.com/planningpoker/core/internal/gateway"
	"github.com/planningpoker/core/internal/health"
	"github.com/planningpoker/core/internal/logging"
	"github.com/planningpoker/core/internal/middleware"
	"github.com/planningpoker/core/internal/ratelimit"
	"github.com/planningpoker/core/internal/room"
	"github.com/planningpoker/core/internal/store"
	"github.com/planningpoker/core/internal/voting"
)

const exportConsumerGroup = "export-workers"

func main() {
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	log := logging.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	authorityStore, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("failed to connect to authority store", zap.Error(err))
	}
	defer authorityStore.Close()

	roomBus, err := bus.NewRoomBus(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Fatal("failed to connect room event bus", zap.Error(err))
	}
	defer roomBus.Close()

	jobStream, err := bus.NewJobStream(cfg.NATSAddr)
	if err != nil {
		log.Fatal("failed to connect export job stream", zap.Error(err))
	}
	defer jobStream.Close()

	var validator auth.Validator
	if cfg.SkipAuth {
		log.Warn("authentication disabled via SKIP_AUTH, do not use in production")
		validator = &auth.DevValidator{}
	} else {
		validator, err = auth.NewJWKSValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			log.Fatal("failed to initialize jwks validator", zap.Error(err))
		}
	}

	redisRateClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisRateClient)
	if err != nil {
		log.Fatal("failed to initialize rate limiter", zap.Error(err))
	}

	gracePeriod, err := time.ParseDuration(cfg.CleanupGracePerd)
	if err != nil {
		log.Fatal("invalid ROOM_CLEANUP_GRACE_PERIOD", zap.Error(err))
	}

	votingSvc := voting.New(authorityStore, roomBus)
	registry := room.NewRegistry(authorityStore, roomBus, votingSvc, gracePeriod)
	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	gw := gateway.New(validator, registry, rateLimiter, allowedOrigins)
	restHandlers := gateway.NewRESTHandlers(authorityStore, jobStream)
	healthHandler := health.NewHandler(roomBus, authorityStore, jobStream)

	uploader, err := export.NewS3Uploader(ctx, cfg.S3Bucket, cfg.S3Region)
	if err != nil {
		log.Fatal("failed to initialize export blob uploader", zap.Error(err))
	}
	exportWorker := export.NewWorker(authorityStore, jobStream, uploader)
	go func() {
		if err := exportWorker.Run(ctx, exportConsumerGroup); err != nil && ctx.Err() == nil {
			log.Error("export worker stopped", zap.Error(err))
		}
	}()

	if cfg.DevelopmentMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	router.Use(rateLimiter.GlobalMiddleware())

	router.GET("/ws/room/:roomId", gw.ServeWS)

	router.GET("/healthz", healthHandler.Liveness)
	router.GET("/readyz", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/")
	api.Use(middleware.RequireAuth(validator))
	api.POST("/reports/export", rateLimiter.MiddlewareForEndpoint("export"), restHandlers.CreateExport)
	api.GET("/jobs/:jobId", rateLimiter.MiddlewareForEndpoint("jobs"), restHandlers.GetJob)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("poker server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	log.Info("server exiting")
}
