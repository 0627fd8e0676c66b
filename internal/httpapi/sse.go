package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/ash/internal/common/errors"
	"github.com/kandev/ash/internal/session"
	"github.com/kandev/ash/pkg/apiv1"
)

// sseDrainTimeout bounds how long a frame write may block waiting for the
// client to drain its receive buffer before the connection is dropped.
const sseDrainTimeout = 30 * time.Second

// SendMessage handles POST /api/sessions/:id/messages, streaming the
// session's reply as Server-Sent Events. Every classified event received
// from session.Service.SendMessage is forwarded as its own frame; a
// trailing "done" frame closes the stream. A drain timeout instead cancels
// the in-flight message and ends the stream without further frames.
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.BadRequest(err.Error()))
		return
	}

	sessionID := c.Param("id")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		h.fail(c, errors.InternalError("streaming unsupported", nil))
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	type frame struct {
		event string
		data  []byte
	}
	frames := make(chan frame, 32)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for f := range frames {
			select {
			case <-writeFrame(c.Writer, flusher, f.event, f.data):
			case <-time.After(sseDrainTimeout):
				h.logger.Warn("sse drain timeout, closing stream", zap.String("session_id", sessionID))
				cancel()
				return
			}
		}
	}()

	sink := func(eventType apiv1.EventType, data interface{}) {
		payload, err := json.Marshal(data)
		if err != nil {
			h.logger.Error("marshal sse event failed", zap.Error(err))
			return
		}
		select {
		case frames <- frame{event: string(eventType), data: payload}:
		case <-ctx.Done():
		}
	}

	err := h.sessions.SendMessage(ctx, sessionID, req.Content, session.SendOptions{
		Model:                  req.Model,
		IncludePartialMessages: req.IncludePartialMessages,
	}, sink)

	if err != nil {
		payload, _ := json.Marshal(gin.H{"error": err.Error()})
		select {
		case frames <- frame{event: "error", data: payload}:
		case <-done:
		}
	}
	donePayload, _ := json.Marshal(gin.H{"sessionId": sessionID})
	select {
	case frames <- frame{event: "done", data: donePayload}:
	case <-done:
	}
	close(frames)
	<-done
}

// writeFrame writes one SSE frame and returns a channel that's closed once
// the write (and flush) completes, so the caller can race it against a
// drain timeout.
func writeFrame(w http.ResponseWriter, flusher http.Flusher, event string, data []byte) <-chan struct{} {
	wrote := make(chan struct{})
	go func() {
		defer close(wrote)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}()
	return wrote
}
