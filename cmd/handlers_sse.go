package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/mordilloSan/go_logger/logger"
)

const minStreamInterval = 50 * time.Millisecond

// SSEWriter wraps an http.ResponseWriter for Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer and sets appropriate headers
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// SendEvent sends an SSE event with the given event type and data
func (s *SSEWriter) SendEvent(event string, data any) error {
	jsonData, err := sonic.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SendError sends an error event
func (s *SSEWriter) SendError(msg string) error {
	return s.SendEvent("error", map[string]string{"message": msg})
}

// handleProgressStream pushes "progress" snapshots of a job until it reaches
// a terminal state, then sends one final event named after that state
// (complete, error or cancelled) and closes the stream.
func (d *daemon) handleProgressStream(c *gin.Context) {
	job, ok := d.lookupJob(c)
	if !ok {
		return
	}

	interval := d.cfg.Scan.ProgressInterval
	if q := c.Query("interval"); q != "" {
		v, err := time.ParseDuration(q)
		if err != nil {
			writeError(c, http.StatusBadRequest, fmt.Errorf("interval: %w", err))
			return
		}
		interval = v
	}
	interval = max(interval, minStreamInterval)

	sse, err := NewSSEWriter(c.Writer)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snap := job.Snapshot()
		if snap.Status.Terminal() {
			if err := sse.SendEvent(string(snap.Status), snap); err != nil {
				logger.Debugf("progress stream job=%s: %v", job.ID, err)
			}
			return
		}
		if err := sse.SendEvent("progress", snap); err != nil {
			logger.Debugf("progress stream job=%s closed: %v", job.ID, err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-job.Done():
		case <-ticker.C:
		}
	}
}
