package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"callsignal/internal/database"
	callhandler "callsignal/internal/handler/http/call"
	"callsignal/internal/handler/ws"
	"callsignal/internal/middleware"
	"callsignal/internal/relay"
	"callsignal/internal/repository/cockroach"
	"callsignal/internal/repository/memory"
	redisrepo "callsignal/internal/repository/redis"
	"callsignal/internal/service/call"
	"callsignal/pkg/audit"
	"callsignal/pkg/config"
	"callsignal/pkg/constants"
	pkgdatabase "callsignal/pkg/database"
	"callsignal/pkg/jwt"
	"callsignal/pkg/logger"
	"callsignal/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 1. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.NewMetricsWith(cfg.Server.ServiceName, reg)

	// 2. JWT
	if cfg.JWT.Secret == "" {
		logger.Warn("JWT_SECRET not set, using development secret")
		cfg.JWT.Secret = "development-secret-change-me-in-production"
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Audience, cfg.JWT.AccessTokenExpiry)

	// 3. CockroachDB, falling back to in-memory storage
	var (
		calls     call.CallRepository
		directory call.Directory
		checks    = map[string]middleware.HealthChecker{}
	)
	db, err := pkgdatabase.ConnectWithRetry(ctx, &cfg.Database, 5, 2*time.Second)
	if err != nil {
		logger.Warn("CockroachDB unavailable, running with in-memory registry", zap.Error(err))
		calls = memory.NewCallRepository()
		directory = seededDirectory(cfg.Call.DirectorySeed)
	} else {
		defer db.Close()
		if err := cockroach.Migrate(ctx, db.Pool); err != nil {
			logger.Fatal("Failed to migrate call tables", zap.Error(err))
		}
		calls = cockroach.NewCallRepository(db.Pool)
		directory = cockroach.NewDirectory(db.Pool)
		checks["cockroachdb"] = db.Ping
		logger.Info("Connected to CockroachDB")
	}

	// 4. Redis relay, falling back to the in-process relay
	var (
		signalRelay relay.Relay
		redisDB     *database.RedisClient
		revocation  middleware.RevocationChecker
	)
	redisDB = database.NewRedisDB(&cfg.Redis, reg)
	pingCtx, cancelPing := context.WithTimeout(ctx, cfg.Redis.Timeout)
	err = redisDB.HealthCheck(pingCtx)
	cancelPing()
	if err != nil {
		logger.Warn("Redis unavailable, relaying signals in-process only", zap.Error(err))
		redisDB.Close()
		redisDB = nil
		memRelay := relay.NewMemoryRelay()
		defer memRelay.Close()
		signalRelay = memRelay
	} else {
		defer redisDB.Close()
		redisDB.StartHealthCheck(ctx, 10*time.Second)
		signalRelay = relay.NewRedisRelay(redisDB, appMetrics)
		directory = redisrepo.NewDirectoryRepository(redisDB, directory, constants.DirectoryCacheTTL, appMetrics)
		revocation = middleware.NewRedisRevocationChecker(redisDB)
		checks["redis"] = redisDB.HealthCheck
		logger.Info("Connected to Redis")
	}

	// 5. Call registry
	svc := call.NewService(calls, directory, signalRelay, appMetrics, call.Config{
		RingTimeout:   cfg.Call.RingTimeout,
		EmptyGrace:    cfg.Call.EmptyGrace,
		MaxDuration:   cfg.Call.MaxDuration,
		SweepInterval: cfg.Call.SweepInterval,
	})
	if redisDB != nil {
		svc.SetAuditor(audit.NewLogger(redisDB.Client))
	}
	go svc.RunSweeper(ctx)

	// 6. Router
	router := gin.New()
	if err := router.SetTrustedProxies(nil); err != nil {
		logger.Warn("Failed to set trusted proxies", zap.Error(err))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())
	router.Use(middleware.HealthCheck(cfg.Server.ServiceName, checks))

	router.GET("/metrics", middleware.MetricsHandler(reg))

	hub := ws.NewSignalHub(signalRelay, svc, appMetrics, cfg.Server.AllowedOrigins, constants.MaxSignalConnections)
	limiter := middleware.NewRateLimiter(redisDB, "calls", 120, time.Minute)

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocation))
	{
		v1.GET("/signals/ws", hub.ServeWS)

		limited := v1.Group("")
		limited.Use(limiter.Middleware())
		callhandler.NewHandler(svc).RegisterRoutes(limited)
	}

	// 7. Serve
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: constants.DefaultTimeout,
	}

	go func() {
		logger.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("environment", cfg.Server.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	stop()

	logger.Info("Server exited")
}

// seededDirectory builds the in-memory directory for limited mode. Without a
// seed every lookup misses and no call can be placed.
func seededDirectory(path string) *memory.Directory {
	dir := memory.NewDirectory()
	if path == "" {
		logger.Warn("CALL_DIRECTORY_SEED not set, the in-memory directory is empty and calls will be rejected")
		return dir
	}

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		logger.Fatal("Failed to open directory seed", zap.String("path", path), zap.Error(err))
	}
	defer f.Close()
	if err := dir.LoadSeed(f); err != nil {
		logger.Fatal("Failed to load directory seed", zap.String("path", path), zap.Error(err))
	}

	users, groups := dir.Len()
	logger.Info("Loaded directory seed", zap.Int("users", users), zap.Int("groups", groups))
	return dir
}
