// Package api exposes the queue engine and the notification stream over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/goatkit/queueflow/internal/apierrors"
	"github.com/goatkit/queueflow/internal/middleware"
	"github.com/goatkit/queueflow/internal/models"
	"github.com/goatkit/queueflow/internal/service"
	"github.com/goatkit/queueflow/internal/stream"
)

// QueueEngine is the subset of service.QueueService the handlers call.
type QueueEngine interface {
	AdmitOrResume(ctx context.Context, code string) (string, error)
	CompleteCurrent(ctx context.Context, id string) (models.AggregateStats, error)
	Register(ctx context.Context, in service.RegisterInput) (*models.Ticket, error)
	Snapshot(ctx context.Context) (models.StatsDump, error)
	Ping(ctx context.Context) error
}

// Subscriber pushes snapshots to one sink until it fails or ctx ends.
type Subscriber interface {
	Run(ctx context.Context, sink stream.Sink) error
}

// Handler serves the queue HTTP API.
type Handler struct {
	queue           QueueEngine
	stream          Subscriber
	logger          *slog.Logger
	limiter         *middleware.RateLimiter
	requestsPerHour int
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithRateLimit guards the mutating routes with limiter.
func WithRateLimit(limiter *middleware.RateLimiter, requestsPerHour int) Option {
	return func(h *Handler) {
		h.limiter = limiter
		h.requestsPerHour = requestsPerHour
	}
}

// NewHandler creates a Handler over queue and sub.
func NewHandler(queue QueueEngine, sub Subscriber, opts ...Option) *Handler {
	h := &Handler{
		queue:  queue,
		stream: sub,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type searchRequest struct {
	BookingID string `json:"booking_id"`
}

// handleSearch handles POST /api/search.
func (h *Handler) handleSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.ErrorWithMessage(c, apierrors.CodeInvalidRequest, "No JSON received")
		return
	}
	if req.BookingID == "" {
		apierrors.ErrorWithMessage(c, apierrors.CodeInvalidRequest, "Booking ID required")
		return
	}

	id, err := h.queue.AdmitOrResume(c.Request.Context(), req.BookingID)
	if err != nil {
		h.writeError(c, err, apierrors.CodeInvalidRequest)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "id": id})
}

// handleComplete handles POST /api/complete/:id.
func (h *Handler) handleComplete(c *gin.Context) {
	stats, err := h.queue.CompleteCurrent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, apierrors.CodeInvalidID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "stats": stats})
}

// handleStats handles GET /api/stats.
func (h *Handler) handleStats(c *gin.Context) {
	dump, err := h.queue.Snapshot(c.Request.Context())
	if err != nil {
		h.writeError(c, err, apierrors.CodeInvalidRequest)
		return
	}
	c.JSON(http.StatusOK, dump)
}

// handleRegister handles POST /api/tickets.
func (h *Handler) handleRegister(c *gin.Context) {
	var in service.RegisterInput
	if err := c.ShouldBindJSON(&in); err != nil {
		apierrors.Error(c, apierrors.CodeInvalidRequest)
		return
	}

	ticket, err := h.queue.Register(c.Request.Context(), in)
	if err != nil {
		h.writeError(c, err, apierrors.CodeValidationFailed)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "ticket": ticket})
}

func (h *Handler) handleDepartments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"departments":      models.Categories(),
		"service_time_map": models.ServiceTimes(),
	})
}

// handleErrorCatalog lists every registered error code by namespace.
func (h *Handler) handleErrorCatalog(c *gin.Context) {
	catalog := make(map[string][]apierrors.ErrorCode)
	for _, ns := range apierrors.Registry.Namespaces() {
		catalog[ns] = apierrors.Registry.ByNamespace(ns)
	}
	c.JSON(http.StatusOK, gin.H{"errors": catalog})
}

func (h *Handler) handleHealth(c *gin.Context) {
	if err := h.queue.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("api: health check failed", "error", err)
		apierrors.Error(c, apierrors.CodeServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// writeError maps service sentinels onto registered API codes. invalidCode is
// the code used for ErrInvalidInput on this route.
func (h *Handler) writeError(c *gin.Context, err error, invalidCode string) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		apierrors.ErrorWithMessage(c, invalidCode, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.ErrorWithMessage(c, apierrors.CodeNotFound, err.Error())
	case errors.Is(err, service.ErrConflict):
		apierrors.ErrorWithMessage(c, apierrors.CodeConflict, err.Error())
	case errors.Is(err, service.ErrStoreUnavailable):
		h.logger.Error("api: store unavailable", "path", c.FullPath(), "error", err)
		apierrors.Error(c, apierrors.CodeServiceUnavailable)
	default:
		h.logger.Error("api: unexpected error", "path", c.FullPath(), "error", err)
		apierrors.Error(c, apierrors.CodeInternalError)
	}
}
