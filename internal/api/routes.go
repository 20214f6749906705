package api

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/rawblock/swapradar-engine/internal/engine"
)

type Handler struct {
	engine *engine.Engine
	hub    *Hub
	log    *logrus.Logger
}

// SetupRouter builds the HTTP surface: the JSON API under /api/v1, the
// websocket alert stream, and the prometheus exposition endpoint.
func SetupRouter(eng *engine.Engine, hub *Hub, log *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS is configurable via ALLOWED_ORIGINS.
	// Production: ALLOWED_ORIGINS=https://radar.example.com
	// Development: leave empty for *
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, Cache-Control")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	handler := &Handler{engine: eng, hub: hub, log: log}
	limiter := NewRateLimiter(120, 30)

	api := r.Group("/api/v1")
	api.Use(limiter.Middleware())
	{
		api.GET("/health", handler.handleHealth)
		api.GET("/stats", handler.handleStats)
		api.GET("/hot", handler.handleHotTokens)
		api.GET("/alerts", handler.handleAlerts)
		api.GET("/token/:mint", handler.handleToken)
		api.GET("/stream", hub.Subscribe)

		admin := api.Group("/admin")
		admin.Use(AuthMiddleware(log))
		{
			admin.POST("/reload", handler.handleReload)
		}
	}

	r.GET("/metrics", gin.WrapH(eng.Metrics().Handler()))

	return r
}

// handleHealth reports liveness per component; a degraded pipeline
// still answers 200 so orchestrators can tell sick from dead.
func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Health(c.Request.Context()))
}

// handleStats serves the full operational snapshot.
func (h *Handler) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Stats(c.Request.Context()))
}

// handleHotTokens lists mints currently under full monitoring.
func (h *Handler) handleHotTokens(c *gin.Context) {
	profiles := h.engine.HotProfiles()
	c.JSON(http.StatusOK, gin.H{
		"count":  len(profiles),
		"tokens": profiles,
	})
}
