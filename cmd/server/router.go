package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/prochub/bridge/api/handlers"
	"github.com/prochub/bridge/internal/config"
	"github.com/prochub/bridge/internal/session"
	"github.com/prochub/bridge/internal/ws"
)

func newRouter(cfg *config.Config, sessionManager *session.Manager, store handlers.SessionStore, reg *prometheus.Registry, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	// Enable CORS for the dashboard
	r.Use(corsMiddleware())

	handlers.NewHealthHandler(sessionManager).RegisterRoutes(r)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	// API routes
	api := r.Group("/api")
	handlers.NewSessionHandler(sessionManager, store).RegisterRoutes(api)

	// WebSocket upgrades and the static dashboard
	wsHandler := ws.NewHandler(sessionManager, log)
	handlers.NewWebSocketHandler(wsHandler, cfg.StaticDir).RegisterRoutes(r)

	return r
}

// requestLogger logs completed HTTP requests. WebSocket sessions log their
// own lifecycle, so only the upgrade request itself appears here.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if status >= http.StatusInternalServerError {
			log.Warn("request failed", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}

// corsMiddleware returns a CORS middleware for the read-only API.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
