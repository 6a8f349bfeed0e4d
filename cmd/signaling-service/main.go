package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	intDatabase "secureconnect-calls/internal/database"
	wsHandler "secureconnect-calls/internal/handler/ws"
	"secureconnect-calls/internal/middleware"
	redisRepo "secureconnect-calls/internal/repository/redis"
	"secureconnect-calls/pkg/config"
	"secureconnect-calls/pkg/constants"
	"secureconnect-calls/pkg/jwt"
	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/metrics"
)

const serviceName = "signaling-service"

func main() {
	// 1. Load configuration and logger
	cfg, err := config.Load()
	if err != nil {
		logger.InitDefault()
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if err := logger.Init(&cfg.Log); err != nil {
		logger.InitDefault()
		logger.Warn("Falling back to default logger", zap.Error(err))
	}
	defer logger.Sync()

	// 2. Setup JWT Manager
	if len(cfg.JWT.Secret) < 32 {
		logger.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.TokenExpiry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Connect to Redis with degraded mode support
	redisDB := intDatabase.NewRedisDB(ctx, cfg.Redis)
	defer redisDB.Close()
	go redisDB.StartHealthCheck(ctx, constants.RedisHealthCheckInterval)

	// 4. Metrics
	appMetrics := metrics.NewMetrics(serviceName)
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 5. Signaling hub with the shared roster
	hub := wsHandler.NewSignalingHub(wsHandler.HubConfig{
		MaxConnections: cfg.Signaling.MaxConnections,
		PingInterval:   cfg.Signaling.PingInterval,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, redisDB, redisRepo.NewRosterRepository(redisDB), appMetrics)
	go hub.Run(ctx)

	// 6. Setup Gin Router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.HealthCheck(serviceName))
	router.Use(prometheusMiddleware.Handler())

	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	revocationChecker := middleware.NewRedisRevocationChecker(redisDB)

	v1 := router.Group("/v1/signaling")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	{
		v1.GET("/ws", hub.ServeWS)
	}

	// 7. Start server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Signaling service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("endpoint", "/v1/signaling/ws"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 8. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down signaling service")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}
	cancel()

	logger.Info("Signaling service exited")
}
