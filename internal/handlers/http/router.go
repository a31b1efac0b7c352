package http

import (
	"context"
	"net/http"
	"time"

	"camrelay/internal/core/services"
	"camrelay/internal/infrastructure/loadbalancer"
	"camrelay/internal/infrastructure/middleware"
	"camrelay/internal/infrastructure/monitoring"
	"camrelay/pkg/config"
	"camrelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterDeps is everything the HTTP surface is built from. Peers, Metrics
// and Affinity may be nil.
type RouterDeps struct {
	Config  *config.Config
	Auth    services.AuthService
	Streams services.StreamService
	Devices services.DeviceService
	Peers   PeerAnswerer
	Health  *monitoring.HealthChecker
	Metrics http.Handler
	// Affinity pins camera viewers to this instance when clustered.
	Affinity *loadbalancer.StickySessionManager
	Logger   *zap.SugaredLogger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	cfg := deps.Config
	startTime := time.Now()

	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(deps.Logger),
		middleware.TracingMiddleware(),
		middleware.RequestLogMiddleware(logger.NewContextLogger(deps.Logger.Desugar())),
		middleware.ErrorHandlerMiddleware(deps.Logger),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	api := router.Group("/api/v1")

	// public
	NewAuthHandler(deps.Auth, cfg.Auth.AllowRegister).SetupRoutes(api)

	protected := api.Group("")
	protected.Use(middleware.AuthMiddleware(deps.Auth))
	NewDeviceHandler(deps.Devices).SetupRoutes(protected)
	cameras := protected.Group("", middleware.AffinityMiddleware(deps.Affinity))
	NewCameraHandler(deps.Streams, deps.Peers, CameraHandlerConfig{
		JPEGQuality:    cfg.Session.JPEGQuality,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}, deps.Logger).SetupRoutes(cameras, middleware.NewStreamRateLimitMiddleware(cfg))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    monitoring.StatusHealthy,
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"sessions":  len(deps.Streams.List()),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		if deps.Health == nil {
			c.JSON(http.StatusOK, gin.H{"status": monitoring.StatusHealthy})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		status := deps.Health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	return router
}
