package httpapi

import (
	"bufio"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/ash/internal/common/errors"
)

const (
	logWriteWait  = 10 * time.Second
	logPingPeriod = 30 * time.Second
)

var logUpgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// Logs handles GET /api/sessions/:id/logs. Without ?follow=true it
// returns the requested tail as a point-in-time text body; with
// ?follow=true it upgrades to a websocket and streams new output as it
// arrives.
func (h *Handler) Logs(c *gin.Context) {
	tail := c.DefaultQuery("tail", "200")
	follow := c.Query("follow") == "true"

	reader, err := h.sessions.Logs(c.Request.Context(), c.Param("id"), follow, tail)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer reader.Close()

	if !follow {
		data, readErr := io.ReadAll(reader)
		if readErr != nil {
			h.fail(c, errors.InternalError("read logs", readErr))
			return
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
		return
	}

	conn, err := logUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("log tail websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	lines := make(chan []byte, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			lines <- line
		}
	}()

	ticker := time.NewTicker(logPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(logWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(logWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}
