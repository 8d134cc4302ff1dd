package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goatkit/queueflow/internal/middleware"
)

// RegisterRoutes mounts every queue route on r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	apiGroup := r.Group("/api")

	writes := apiGroup.Group("")
	if h.limiter != nil {
		writes.Use(h.limiter.RateLimitByIP(h.requestsPerHour))
	}
	writes.POST("/search", h.handleSearch)
	writes.POST("/complete/:id", h.handleComplete)
	writes.POST("/tickets", h.handleRegister)

	apiGroup.GET("/stats", h.handleStats)
	apiGroup.GET("/departments", h.handleDepartments)
	apiGroup.GET("/errors", h.handleErrorCatalog)

	r.GET("/stream", h.handleSSE)
	r.GET("/ws", h.handleWebSocket)
	r.GET("/health", h.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// NewRouter builds a gin engine with recovery, request logging and the queue
// routes.
func NewRouter(h *Handler, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(logger))
	h.RegisterRoutes(r)
	return r
}
