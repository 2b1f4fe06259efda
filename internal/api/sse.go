package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/RichardoC/teiqr/internal/chat"
	"github.com/gin-gonic/gin"
)

func setSSEHeaders(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
}

// sseWriter writes chat frames as "data: <json>\n\n" events, flushing each.
type sseWriter struct {
	c *gin.Context
}

func newSSEWriter(c *gin.Context) *sseWriter {
	return &sseWriter{c: c}
}

func (s *sseWriter) Send(f chat.Frame) error {
	if err := s.c.Request.Context().Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.c.Writer, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}
