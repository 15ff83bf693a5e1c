package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/nemt-routing/dispatch-optimizer/internal/api"
	"github.com/nemt-routing/dispatch-optimizer/internal/common/audit"
	"github.com/nemt-routing/dispatch-optimizer/internal/common/cache"
	"github.com/nemt-routing/dispatch-optimizer/internal/common/config"
	"github.com/nemt-routing/dispatch-optimizer/internal/common/health"
	"github.com/nemt-routing/dispatch-optimizer/internal/common/jobs"
	"github.com/nemt-routing/dispatch-optimizer/internal/common/logging"
	"github.com/nemt-routing/dispatch-optimizer/internal/common/middleware"
	"github.com/nemt-routing/dispatch-optimizer/internal/common/ratelimit"
	"github.com/nemt-routing/dispatch-optimizer/internal/delay"
	"github.com/nemt-routing/dispatch-optimizer/internal/ingest"
	"github.com/nemt-routing/dispatch-optimizer/internal/live"
	"github.com/nemt-routing/dispatch-optimizer/internal/matrix"
	"github.com/nemt-routing/dispatch-optimizer/internal/optimize"
	"github.com/nemt-routing/dispatch-optimizer/internal/session"
	"github.com/nemt-routing/dispatch-optimizer/internal/solver"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, reading configuration from the process environment")
	}

	cfg := config.Load()

	logging.InitDefaultLogger(&logging.LoggerConfig{
		Level:      logging.LogLevel(cfg.LogLevel),
		Format:     "json",
		Output:     os.Stdout,
		AddSource:  true,
		TimeFormat: time.RFC3339,
	})
	logger := logging.GetLogger()
	logger.Info("starting dispatch-optimizer", "port", cfg.Port)

	zapLogger, err := buildZapLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build zap logger: %v", err)
	}
	defer zapLogger.Sync()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Error("redis ping failed at startup, continuing in degraded mode", "error", err)
	}
	cancelPing()

	// The audit trail is the one optional dependency in this stack: a
	// missing DSN disables it, leaving audit.Trail's nil-DB path to make
	// every Record call a no-op.
	var auditDB *gorm.DB
	if dsn := os.Getenv("AUDIT_DATABASE_DSN"); dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logging.NewSlowQueryLogger(logger, 200*time.Millisecond),
		})
		if err != nil {
			logger.Error("audit database connection failed, audit trail disabled", "error", err)
		} else {
			auditDB = db
		}
	}

	redisCache := cache.NewRedisCache(redisClient, "dispatch")

	sessionStore := session.New(redisCache, cfg.SessionTTL())

	trafficProvider := matrix.NewHTTPProvider(cfg.TrafficProviderURL, cfg.TrafficProviderKey, nil, zapLogger)
	resolver := matrix.NewResolver(redisCache, trafficProvider, matrix.Config{
		TTL:           cfg.MatrixTTL(),
		RatePerSecond: 5,
		RateBurst:     2,
	}, zapLogger)

	solverCfg := solver.DefaultConfig()
	solverCfg.WallClock = cfg.SolverWallClock()

	pipeline := optimize.New(resolver,
		optimize.WithSolverConfig(solverCfg),
		optimize.WithMaxStops(cfg.MaxStopsPerRequest),
	)

	pool := jobs.NewPool(jobs.Config{Concurrency: cfg.OptimizeWorkerConcurrency})

	auditTrail := audit.New(auditDB, zapLogger)
	if err := auditTrail.Migrate(); err != nil {
		logger.Error("audit trail migration failed, continuing without a persisted schema", "error", err)
	}

	broker := live.NewRedisBroker(redisClient)
	publisher := live.NewRedisPublisher(broker)

	delayCfg := delay.Config{
		DelayThresholdMin:     cfg.DelayThresholdMin,
		TrafficIncreaseRatio:  cfg.TrafficIncreaseRatio,
		MinRerouteIntervalSec: cfg.MinRerouteIntervalSec,
	}

	worker := ingest.New(sessionStore, resolver, pipeline, publisher, delayCfg, pool, auditTrail, zapLogger)
	hub := live.NewHub(broker, worker, zapLogger)

	handler := api.NewHandler(pipeline, sessionStore, auditTrail)

	healthChecker := health.NewHealthChecker(redisClient, auditDB, cfg.TrafficProviderKey, "dispatch-optimizer", "1.0.0")
	healthHandler := health.NewHandler(healthChecker)
	metricsHandler := health.NewMetricsHandler(healthChecker)

	rateLimitManager := ratelimit.NewRateLimitManager(redisClient, nil)
	rateLimitMonitor := ratelimit.NewRateLimitMonitor(redisClient)

	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	router := gin.New()
	router.Use(gzip.Gzip(gzip.DefaultCompression))
	router.Use(logging.RequestLoggingMiddleware(logger))
	router.Use(logging.PerformanceLoggingMiddleware(logger, 500*time.Millisecond))
	router.Use(logging.ErrorLoggingMiddleware(logger))
	router.Use(middleware.RecoveryHandler())
	router.Use(middleware.ErrorHandler())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins(),
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.DriverAuth(os.Getenv("DRIVER_JWT_SECRET")))
	router.Use(ratelimit.MonitoredRateLimitMiddleware(rateLimitManager, rateLimitMonitor))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/optimize-route", handler.OptimizeRoute)
		v1.POST("/drivers/:driver_id/stops", handler.AddStop)
		v1.DELETE("/drivers/:driver_id/stops/:stop_id", handler.CancelStop)
	}
	health.SetupHealthRoutes(v1, healthHandler)
	health.SetupMetricsRoutes(v1, metricsHandler)

	router.GET("/ws/driver/:driver_id", hub.HandleWebSocket)

	adminGroup := router.Group("/admin/rate-limit")
	{
		adminGroup.GET("/metrics", ratelimit.RateLimitMetricsHandler(rateLimitMonitor))
		adminGroup.GET("/health", ratelimit.RateLimitHealthHandler(rateLimitMonitor))
		adminGroup.GET("/stats", ratelimit.RateLimitStatsHandler(rateLimitMonitor))
		adminGroup.Any("/config", ratelimit.RateLimitConfigHandler(rateLimitManager))
		adminGroup.POST("/reset", ratelimit.RateLimitResetHandler(rateLimitManager))
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received, draining connections")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}

	metrics := pool.Metrics()
	logger.Info("worker pool drained", "jobs_processed", metrics.JobsProcessed, "jobs_failed", metrics.JobsFailed)
}

// buildZapLogger constructs the second, structured logger this codebase
// wires through its domain packages (matrix, ingest, live, audit),
// separate from the slog-based logging.Logger used at the HTTP-middleware
// layer.
func buildZapLogger(level string) (*zap.Logger, error) {
	var zapCfg zap.Config
	switch level {
	case "debug":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		zapCfg = zap.NewProductionConfig()
	}
	return zapCfg.Build()
}

// corsOrigins reads a comma-separated CORS_ALLOWED_ORIGINS list, defaulting
// to "*" for local development.
func corsOrigins() []string {
	raw := os.Getenv("CORS_ALLOWED_ORIGINS")
	if raw == "" {
		return []string{"*"}
	}
	origins := strings.Split(raw, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	return origins
}
