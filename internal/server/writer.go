package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/tonkeeper/ssestream/internal/utils"
)

type eventWriter struct {
	res *echo.Response
}

// startStream writes the event-stream response headers.
func startStream(c echo.Context) (*eventWriter, error) {
	if _, ok := c.Response().Writer.(http.Flusher); !ok {
		return nil, c.JSON(utils.StatusError("streaming unsupported", http.StatusInternalServerError))
	}
	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "private, no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()
	return &eventWriter{res: c.Response()}, nil
}

// event writes one event. Multi line data is split into data lines.
func (w *eventWriter) event(eventType, id, data string) error {
	var b strings.Builder
	if eventType != "" {
		fmt.Fprintf(&b, "event: %s\n", eventType)
	}
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	if _, err := w.res.Write([]byte(b.String())); err != nil {
		return err
	}
	w.res.Flush()
	return nil
}

func (w *eventWriter) heartbeat() error {
	if _, err := w.res.Write([]byte(": heartbeat\n\n")); err != nil {
		return err
	}
	w.res.Flush()
	return nil
}

// wait sleeps for d, writing heartbeats on tick. It reports false when ctx
// ended or a heartbeat could not be written.
func (w *eventWriter) wait(ctx context.Context, d time.Duration, tick <-chan time.Time) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-tick:
			if err := w.heartbeat(); err != nil {
				return false
			}
		}
	}
}
