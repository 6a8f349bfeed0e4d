package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	intDatabase "secureconnect-calls/internal/database"
	callHandler "secureconnect-calls/internal/handler/http/call"
	"secureconnect-calls/internal/identity"
	"secureconnect-calls/internal/media"
	"secureconnect-calls/internal/middleware"
	"secureconnect-calls/internal/repository/cockroach"
	"secureconnect-calls/internal/rtc"
	"secureconnect-calls/internal/service/call"
	"secureconnect-calls/internal/signaling"
	"secureconnect-calls/pkg/cache"
	"secureconnect-calls/pkg/config"
	"secureconnect-calls/pkg/constants"
	pkgDatabase "secureconnect-calls/pkg/database"
	"secureconnect-calls/pkg/jwt"
	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/metrics"
	"secureconnect-calls/pkg/resilience"
)

const serviceName = "call-agent"

// directory is the conversation membership source of the agent
type directory interface {
	call.ConversationStore
	identity.MembershipChecker
}

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

	ctx := context.Background()

	// 2. Resolve the local user
	var jwtManager *jwt.JWTManager
	if cfg.JWT.Secret != "" {
		jwtManager = jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.TokenExpiry)
	}
	userID := cfg.Agent.UserID
	if jwtManager != nil && cfg.Signaling.Token != "" {
		userID, err = identity.UserFromToken(jwtManager, cfg.Signaling.Token)
		if err != nil {
			logger.Fatal("SIGNALING_TOKEN is not valid", zap.Error(err))
		}
	}
	if userID == uuid.Nil {
		logger.Fatal("Agent user unknown: set SIGNALING_TOKEN with JWT_SECRET, or AGENT_USER_ID")
	}
	logger.Info("Call agent identity resolved", logger.UserID(userID))

	// 3. Session store and conversation directory
	var store call.SessionStore = call.NewMemoryStore()
	var members directory = identity.NewStaticDirectory(userID, cfg.Agent.Peers)
	if cfg.Database.Enabled {
		db, err := connectCockroach(ctx, cfg.Database)
		if err != nil {
			logger.Warn("Running without session persistence", zap.Error(err))
		} else {
			defer db.Close()
			store = cockroach.NewCallRepository(db.Pool)
			members = cockroach.NewConversationRepository(db.Pool)
			logger.Info("Connected to CockroachDB")
		}
	}

	membershipCache := cache.NewMemoryCache(cfg.Agent.MembershipTTL, constants.MembershipCacheSize)
	stopCleanup := membershipCache.StartCleanup(constants.CacheCleanupInterval)
	defer stopCleanup()
	ident := identity.New(userID, members, membershipCache, cfg.Agent.MembershipTTL)

	// 4. Redis for token revocation
	redisDB := intDatabase.NewRedisDB(ctx, cfg.Redis)
	defer redisDB.Close()
	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go redisDB.StartHealthCheck(healthCtx, constants.RedisHealthCheckInterval)

	// 5. Metrics
	appMetrics := metrics.NewMetrics(serviceName)
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 6. Signaling, transports and media
	dialCtx, cancelDial := context.WithTimeout(ctx, constants.SignalingDialTimeout)
	signalingClient, err := signaling.Dial(dialCtx, signaling.ClientConfig{
		URL:               cfg.Signaling.URL,
		Token:             cfg.Signaling.Token,
		ReconnectAttempts: cfg.Signaling.ReconnectAttempts,
		PingInterval:      cfg.Signaling.PingInterval,
		RequestTimeout:    cfg.Signaling.SnapshotTimeout,
	})
	cancelDial()
	if err != nil {
		logger.Fatal("Failed to connect to signaling hub", zap.Error(err))
	}

	transports, err := rtc.NewFactory(cfg.WebRTC, appMetrics)
	if err != nil {
		logger.Fatal("Failed to create WebRTC API", zap.Error(err))
	}

	// 7. Coordinator
	coordinator := call.NewCoordinator(call.Config{
		RingTimeout:          cfg.Call.RingTimeout,
		MaxReconnectAttempts: cfg.Call.MaxReconnectAttempts,
		Publish: resilience.Policy{
			MaxAttempts:      cfg.Call.PublishMaxAttempts,
			InitialBackoff:   cfg.Call.PublishBackoff,
			MaxBackoff:       cfg.Call.PublishMaxBackoff,
			FailureThreshold: cfg.Call.PublishMaxAttempts,
			Cooldown:         resilience.DefaultPolicy().Cooldown,
		},
		PublishTimeout: cfg.Call.PublishTimeout,
		DedupTTL:       cfg.Call.DedupTTL,
		PersistTimeout: cfg.Call.PersistTimeout,
	}, call.Dependencies{
		Identity:      ident,
		Media:         media.NewSource(cfg.Media),
		Transports:    transports,
		Signaling:     signalingClient,
		Conversations: members,
		Store:         store,
		Metrics:       appMetrics,
	})

	reconcileCtx, cancelReconcile := context.WithTimeout(ctx, constants.ReconcileTimeout)
	if _, err := coordinator.Reconcile(reconcileCtx); err != nil {
		logger.Warn("Startup reconciliation failed", zap.Error(err))
	}
	cancelReconcile()

	if err := coordinator.Start(ctx); err != nil {
		logger.Fatal("Failed to start call coordinator", zap.Error(err))
	}

	// 8. Setup Gin Router
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

	v1 := router.Group("/v1")
	if jwtManager != nil {
		v1.Use(middleware.AuthMiddleware(jwtManager, middleware.NewRedisRevocationChecker(redisDB)))
	} else {
		logger.Warn("JWT_SECRET not set, control API is unauthenticated")
	}
	callHandler.NewHandler(coordinator, constants.EventStreamHeartbeat).RegisterRoutes(v1)

	// 9. Start server. Event streams end when baseCtx is cancelled.
	baseCtx, cancelBase := context.WithCancel(ctx)
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}

	go func() {
		logger.Info("Call agent starting", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 10. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down call agent")
	cancelBase()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}
	if err := coordinator.Close(); err != nil {
		logger.Warn("Coordinator shutdown failed", zap.Error(err))
	}
	if err := signalingClient.Close(); err != nil {
		logger.Warn("Signaling client shutdown failed", zap.Error(err))
	}

	logger.Info("Call agent exited")
}

// connectCockroach connects with exponential backoff
func connectCockroach(ctx context.Context, cfg config.DatabaseConfig) (*pkgDatabase.CockroachDB, error) {
	db, err := connectWithRetry(ctx, "cockroach", dbConnectPolicy(), func(ctx context.Context) (*pkgDatabase.CockroachDB, error) {
		return pkgDatabase.NewCockroachDB(ctx, cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CockroachDB: %w", err)
	}
	return db, nil
}

// dbConnectPolicy never opens the circuit during startup
func dbConnectPolicy() resilience.Policy {
	return resilience.Policy{
		MaxAttempts:      constants.DBConnectAttempts,
		InitialBackoff:   constants.DBConnectBaseDelay,
		MaxBackoff:       constants.DBConnectMaxDelay,
		FailureThreshold: constants.DBConnectAttempts + 1,
	}
}

func connectWithRetry[T any](ctx context.Context, name string, policy resilience.Policy, connect func(context.Context) (T, error)) (T, error) {
	var conn T
	err := resilience.NewBreaker(name, policy).Execute(ctx, "connect", func(ctx context.Context) error {
		var err error
		conn, err = connect(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return conn, nil
}
