package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/ash/internal/common/errors"
	"github.com/kandev/ash/pkg/apiv1"
)

// RegisterRunner handles POST /api/internal/runners/register.
func (h *Handler) RegisterRunner(c *gin.Context) {
	var req RunnerRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.BadRequest(err.Error()))
		return
	}
	rec, err := h.runners.Register(c.Request.Context(), req.ID, req.Host, req.Port, req.MaxSandboxes)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, runnerToResponse(rec))
}

// HeartbeatRunner handles POST /api/internal/runners/heartbeat.
func (h *Handler) HeartbeatRunner(c *gin.Context) {
	var req RunnerHeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.BadRequest(err.Error()))
		return
	}
	if err := h.runners.Heartbeat(c.Request.Context(), req.ID, req.ActiveCount, req.WarmingCount); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// ListRunners handles GET /api/internal/runners.
func (h *Handler) ListRunners(c *gin.Context) {
	runners, err := h.runners.ListLive(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make([]RunnerResponse, 0, len(runners))
	for _, r := range runners {
		resp = append(resp, runnerToResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{"runners": resp, "total": len(resp)})
}

func runnerToResponse(r *apiv1.Runner) RunnerResponse {
	return RunnerResponse{
		ID: r.ID, Host: r.Host, Port: r.Port, MaxSandboxes: r.MaxSandboxes,
		ActiveCount: r.ActiveCount, WarmingCount: r.WarmingCount,
		LastHeartbeatAt: r.LastHeartbeatAt, RegisteredAt: r.RegisteredAt,
	}
}

// InternalSessionOp mirrors an external session lifecycle verb for a
// runner calling back into the coordinator, e.g. to report that a bridge
// it owns went unready. The coordinator-side session service already
// tenant-scopes nothing for internal calls since the caller authenticated
// with the shared secret rather than an API key.
func (h *Handler) InternalSessionOp(c *gin.Context) {
	id := c.Param("id")
	switch c.Param("op") {
	case "pause":
		h.handleOrFail(c, h.sessions.PauseSession(c.Request.Context(), id))
	case "stop":
		h.handleOrFail(c, h.sessions.StopSession(c.Request.Context(), id))
	case "end":
		h.handleOrFail(c, h.sessions.EndSession(c.Request.Context(), id))
	default:
		h.fail(c, errors.BadRequest("unknown internal session operation"))
	}
}

func (h *Handler) handleOrFail(c *gin.Context, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}
