package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/goatkit/queueflow/internal/apierrors"
	"github.com/goatkit/queueflow/internal/stream"
)

// CodeStreamUnsupported is returned when the response writer cannot flush.
const CodeStreamUnsupported = "stream:unsupported"

type streamErrors struct{}

func (streamErrors) EnumerateErrors() []apierrors.ErrorCode {
	return []apierrors.ErrorCode{
		{Code: "unsupported", Message: "Streaming is not supported by this connection", HTTPStatus: http.StatusNotImplemented},
	}
}

func init() {
	apierrors.Registry.RegisterNamespace("stream", streamErrors{})
}

// handleSSE handles GET /stream. The request context ends the subscription.
func (h *Handler) handleSSE(c *gin.Context) {
	sink, err := stream.NewSSESink(c.Writer)
	if errors.Is(err, stream.ErrStreamingUnsupported) {
		apierrors.Error(c, CodeStreamUnsupported)
		return
	}
	if err != nil {
		h.writeError(c, err, apierrors.CodeInvalidRequest)
		return
	}

	h.logger.Debug("api: sse subscriber connected", "client_ip", c.ClientIP())
	if err := h.stream.Run(c.Request.Context(), sink); err != nil {
		h.logger.Warn("api: sse subscription ended", "client_ip", c.ClientIP(), "error", err)
	}
}

// handleWebSocket handles GET /ws. The upgrader writes its own error response
// when the handshake fails.
func (h *Handler) handleWebSocket(c *gin.Context) {
	sink, err := stream.UpgradeWebSocket(c.Writer, c.Request)
	if err != nil {
		h.logger.Warn("api: websocket upgrade failed", "client_ip", c.ClientIP(), "error", err)
		return
	}
	defer sink.Close()

	ctx, cancel := sink.WatchClose(c.Request.Context())
	defer cancel()

	if err := h.stream.Run(ctx, sink); err != nil {
		h.logger.Warn("api: websocket subscription ended", "client_ip", c.ClientIP(), "error", err)
	}
}
