package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/loanledger/internal/auditor"
	"github.com/jmerrifield20/loanledger/internal/handler"
	"github.com/jmerrifield20/loanledger/internal/ledger"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// healthService is the gRPC health service name reported alongside "".
const healthService = "loanledger.Ledger"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledger exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("ledger")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.grpc_port", 9090)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 50)
	viper.SetDefault("server.append_rate_limit_rps", 20)
	viper.SetDefault("database.url", "")
	viper.SetDefault("ledger.max_append_attempts", ledger.DefaultRetryPolicy.MaxAttempts)
	viper.SetDefault("ledger.retry_initial_interval", ledger.DefaultRetryPolicy.InitialInterval)
	viper.SetDefault("ledger.retry_max_interval", ledger.DefaultRetryPolicy.MaxInterval)
	viper.SetDefault("auditor.enabled", true)
	viper.SetDefault("auditor.interval", 10*time.Minute)
	viper.SetDefault("auditor.concurrency", 8)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Store ────────────────────────────────────────────────────────────────
	var (
		store ledger.Store
		ping  func(context.Context) error
	)
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		db, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		pg := ledger.NewPostgresStore(db, logger)
		store, ping = pg, pg.Ping
		logger.Info("connected to postgres")
	} else {
		store = ledger.NewMemoryStore()
		ping = func(context.Context) error { return nil }
		logger.Warn("database.url not set, using in-memory ledger store; entries will not survive a restart")
	}

	// ── Ledger ───────────────────────────────────────────────────────────────
	svc := ledger.New(store, logger)
	svc.SetRetryPolicy(ledger.RetryPolicy{
		MaxAttempts:     viper.GetInt("ledger.max_append_attempts"),
		InitialInterval: viper.GetDuration("ledger.retry_initial_interval"),
		MaxInterval:     viper.GetDuration("ledger.retry_max_interval"),
	})
	svc.SetAppendRecorder(handler.RecordAppend)
	svc.SetVerifyRecorder(handler.RecordVerification)

	// ── Auditor ──────────────────────────────────────────────────────────────
	if viper.GetBool("auditor.enabled") {
		aud := auditor.New(store, svc, auditor.Config{
			Interval:    viper.GetDuration("auditor.interval"),
			Concurrency: viper.GetInt("auditor.concurrency"),
		}, logger)
		aud.SetMetricsRecord(handler.RecordAudit)
		go aud.Start(ctx)
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	handler.ConfigureEngine(router)
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		router.Use(handler.RateLimiter(ctx, rps, rps*2, handler.ByClientIP))
	}

	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		pctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := ping(pctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	if rps := viper.GetInt("server.append_rate_limit_rps"); rps > 0 {
		// Per-loan budget on appends, on top of the per-IP limit.
		v1.Use(handler.RateLimiter(ctx, rps, rps, handler.ByLoanAppend))
	}
	handler.NewLedgerHandler(svc, logger).Register(v1)

	// ── gRPC health ──────────────────────────────────────────────────────────
	grpcPort := viper.GetInt("server.grpc_port")
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", grpcPort, err)
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	healthSvc := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	reflection.Register(grpcServer)
	go watchStore(ctx, healthSvc, ping, logger)

	go func() {
		logger.Info("ledger gRPC health listening", zap.Int("port", grpcPort))
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("gRPC serve error", zap.Error(err))
		}
	}()

	// ── HTTP server ──────────────────────────────────────────────────────────
	httpPort := viper.GetInt("server.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ledger HTTP listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutting down ledger...")
	healthSvc.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("ledger stopped")
	return nil
}

// watchStore keeps the gRPC health status in step with store reachability.
func watchStore(ctx context.Context, hs *health.Server, ping func(context.Context) error, logger *zap.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	last := grpc_health_v1.HealthCheckResponse_UNKNOWN
	for {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := ping(pctx)
		cancel()

		st := grpc_health_v1.HealthCheckResponse_SERVING
		if err != nil {
			st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
		if st != last {
			if err != nil {
				logger.Warn("ledger store unreachable", zap.Error(err))
			}
			hs.SetServingStatus("", st)
			hs.SetServingStatus(healthService, st)
			last = st
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
