package stream

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sse"

	"github.com/goatkit/queueflow/internal/models"
)

// EventName is the event every snapshot is published under.
const EventName = "update"

// ErrStreamingUnsupported is returned when the response cannot be flushed.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// SSESink writes snapshots as server-sent events.
type SSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSESink prepares w for an event stream and writes the response headers.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSESink{w: w, flusher: flusher}, nil
}

// Send writes one update event and flushes it to the client.
func (s *SSESink) Send(ctx context.Context, stats models.AggregateStats) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sse.Encode(s.w, sse.Event{Event: EventName, Data: stats}); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
