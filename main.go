package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v6"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/songquanpeng/metering-proxy/common"
	"github.com/songquanpeng/metering-proxy/common/client"
	"github.com/songquanpeng/metering-proxy/common/config"
	"github.com/songquanpeng/metering-proxy/common/graceful"
	"github.com/songquanpeng/metering-proxy/common/logger"
	"github.com/songquanpeng/metering-proxy/common/metrics"
	"github.com/songquanpeng/metering-proxy/middleware"
	"github.com/songquanpeng/metering-proxy/relay/billing"
	"github.com/songquanpeng/metering-proxy/router"
)

func main() {
	ctx := context.Background()

	common.Init()
	logger.SetupLogger()

	// Setup enhanced logger with alertPusher integration
	logger.SetupEnhancedLogger(ctx)

	logger.Logger.Info("metering proxy started", zap.String("version", common.Version))

	if err := config.ValidateStartup(); err != nil {
		logger.Logger.Fatal("invalid configuration", zap.Error(err))
	}

	if config.GinMode != gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize Redis (optional shared balance-snapshot tier)
	if err := common.InitRedisClient(); err != nil {
		logger.Logger.Fatal("failed to initialize Redis", zap.Error(err))
	}

	client.Init()

	if config.LogRetentionDays > 0 {
		logger.StartLogRetentionCleaner(ctx, config.LogRetentionDays, logger.LogDir)
	}

	startTime := time.Unix(common.StartTime, 0)
	if config.EnablePrometheusMetrics {
		metrics.InitPrometheus(common.Version, startTime.Format(time.RFC3339), runtime.Version(), startTime)
		logger.Logger.Info("Prometheus monitoring initialized")
	}

	stopRetryScanner := billing.StartRetryScanner()

	logLevel := glog.LevelInfo
	if config.DebugEnabled {
		logLevel = glog.LevelDebug
	}

	// Initialize HTTP server
	server := gin.New()
	server.RedirectTrailingSlash = false
	server.Use(
		gin.Recovery(),
		gmw.NewLoggerMiddleware(
			gmw.WithLoggerMwColored(),
			gmw.WithLevel(logLevel.String()),
			gmw.WithLogger(logger.Logger.Named("gin")),
		),
	)
	// This will cause SSE not to work!!!
	//server.Use(gzip.Gzip(gzip.DefaultCompression))
	server.Use(middleware.RequestId())

	if config.EnablePrometheusMetrics {
		server.GET("/metrics", gin.WrapH(promhttp.Handler()))
		logger.Logger.Info("Prometheus metrics endpoint available at /metrics")
	}

	router.SetRouter(server)
	var port = config.ServerPort
	if port == "" {
		port = strconv.Itoa(*common.Port)
	}

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           server,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		logger.Logger.Info("server started", zap.String("address", "http://localhost:"+port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	// Block until asked to stop, then drain: no new requests, finish in-flight
	// ones, and let queued usage reports flush before the process exits.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	graceful.SetDraining()

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(config.ShutdownTimeoutSec)*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	stopRetryScanner()

	if err := graceful.Drain(shutdownCtx); err != nil {
		logger.Logger.Error("graceful drain incomplete, some usage reports may be lost", zap.Error(err))
	}

	logger.Logger.Info("metering proxy stopped")
}
