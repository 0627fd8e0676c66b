package httpapi

import (
	stderrors "errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/ash/internal/agentcatalog"
	"github.com/kandev/ash/internal/common/errors"
	"github.com/kandev/ash/internal/common/logger"
	"github.com/kandev/ash/internal/runner"
	"github.com/kandev/ash/internal/session"
	"github.com/kandev/ash/internal/state"
	"github.com/kandev/ash/pkg/apiv1"
)

// Handler holds every dependency the route table needs.
type Handler struct {
	sessions *session.Service
	catalog  *agentcatalog.Catalog
	runners  *runner.Registry
	router   *runner.Router
	store    state.Store
	logger   *logger.Logger
}

// New builds a Handler.
func New(sessions *session.Service, catalog *agentcatalog.Catalog, runners *runner.Registry, router *runner.Router, store state.Store, log *logger.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		catalog:  catalog,
		runners:  runners,
		router:   router,
		store:    store,
		logger:   log.WithFields(zap.String("component", "httpapi")),
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

// --- Agents ---

// DeployAgent handles POST /api/agents.
func (h *Handler) DeployAgent(c *gin.Context) {
	var req DeployAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.BadRequest(err.Error()))
		return
	}
	agent, err := h.catalog.Deploy(c.Request.Context(), TenantID(c), req.Name, req.Path)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, agentToResponse(agent))
}

// ListAgents handles GET /api/agents.
func (h *Handler) ListAgents(c *gin.Context) {
	agents, err := h.catalog.List(c.Request.Context(), TenantID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		resp = append(resp, agentToResponse(a))
	}
	c.JSON(http.StatusOK, AgentsListResponse{Agents: resp, Total: len(resp)})
}

// GetAgent handles GET /api/agents/:name.
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.catalog.Get(c.Request.Context(), TenantID(c), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, agentToResponse(agent))
}

// RedeployAgent handles PATCH /api/agents/:name.
func (h *Handler) RedeployAgent(c *gin.Context) {
	var req DeployAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.BadRequest(err.Error()))
		return
	}
	agent, err := h.catalog.Deploy(c.Request.Context(), TenantID(c), c.Param("name"), req.Path)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, agentToResponse(agent))
}

// DeleteAgent handles DELETE /api/agents/:name.
func (h *Handler) DeleteAgent(c *gin.Context) {
	if err := h.catalog.Delete(c.Request.Context(), TenantID(c), c.Param("name")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListAgentFiles handles GET /api/agents/:name/files.
func (h *Handler) ListAgentFiles(c *gin.Context) {
	agent, err := h.catalog.Get(c.Request.Context(), TenantID(c), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	entries, err := os.ReadDir(agent.Path)
	if err != nil {
		h.fail(c, errors.InternalError("list agent directory", err))
		return
	}
	out := make([]FileEntryResponse, 0, len(entries))
	for _, e := range entries {
		info, statErr := e.Info()
		size := int64(0)
		if statErr == nil {
			size = info.Size()
		}
		out = append(out, FileEntryResponse{Path: e.Name(), IsDir: e.IsDir(), Size: size})
	}
	c.JSON(http.StatusOK, out)
}

// GetAgentFile handles GET /api/agents/:name/files/*path.
func (h *Handler) GetAgentFile(c *gin.Context) {
	agent, err := h.catalog.Get(c.Request.Context(), TenantID(c), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	rel := strings.TrimPrefix(c.Param("path"), "/")
	full, err := safeJoin(agent.Path, rel)
	if err != nil {
		h.fail(c, errors.BadRequest(err.Error()))
		return
	}
	data, err := os.ReadFile(full)
	if err != nil {
		h.fail(c, errors.NotFound("file", rel))
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// --- Sessions ---

// CreateSession handles POST /api/sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.BadRequest(err.Error()))
		return
	}
	sess, err := h.sessions.CreateSession(c.Request.Context(), TenantID(c), req.Agent, session.CreateOptions{
		CredentialID:  req.CredentialID,
		ExtraEnv:      req.ExtraEnv,
		StartupScript: req.StartupScript,
		Model:         req.Model,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionToResponse(sess))
}

// ListSessions handles GET /api/sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	status := apiv1.SessionStatus(c.Query("status"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	sessions, err := h.sessions.ListSessions(c.Request.Context(), TenantID(c), c.Query("agent"), status, limit, offset)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, sessionToResponse(s))
	}
	c.JSON(http.StatusOK, SessionsListResponse{Sessions: resp, Total: len(resp)})
}

// GetSession handles GET /api/sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionToResponse(sess))
}

// PauseSession handles POST /api/sessions/:id/pause.
func (h *Handler) PauseSession(c *gin.Context) {
	if err := h.sessions.PauseSession(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// ResumeSession handles POST /api/sessions/:id/resume.
func (h *Handler) ResumeSession(c *gin.Context) {
	sess, err := h.sessions.ResumeSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionToResponse(sess))
}

// StopSession handles POST /api/sessions/:id/stop.
func (h *Handler) StopSession(c *gin.Context) {
	if err := h.sessions.StopSession(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// ForkSession handles POST /api/sessions/:id/fork.
func (h *Handler) ForkSession(c *gin.Context) {
	child, err := h.sessions.ForkSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionToResponse(child))
}

// EndSession handles DELETE /api/sessions/:id.
func (h *Handler) EndSession(c *gin.Context) {
	if err := h.sessions.EndSession(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Messages / events (non-streaming reads) ---

// ListMessages handles GET /api/sessions/:id/messages.
func (h *Handler) ListMessages(c *gin.Context) {
	afterSeq, _ := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	msgs, err := h.store.ListMessagesAfter(c.Request.Context(), c.Param("id"), afterSeq, limit)
	if err != nil {
		h.fail(c, errors.PersistenceError("list_messages", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "total": len(msgs)})
}

// ListEvents handles GET /api/sessions/:id/events.
func (h *Handler) ListEvents(c *gin.Context) {
	afterSeq, _ := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	typeFilter := apiv1.EventType(c.Query("type"))
	events, err := h.store.ListEventsAfter(c.Request.Context(), c.Param("id"), afterSeq, typeFilter, limit)
	if err != nil {
		h.fail(c, errors.PersistenceError("list_events", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}

// --- Files ---

// ListSessionFiles handles GET /api/sessions/:id/files.
func (h *Handler) ListSessionFiles(c *gin.Context) {
	entries, src, err := h.sessions.ListFiles(c.Request.Context(), c.Param("id"), c.DefaultQuery("path", "."))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]FileEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, FileEntryResponse{Path: e.Path, IsDir: e.IsDir, Size: e.Size})
	}
	c.Header("X-File-Source", string(src))
	c.JSON(http.StatusOK, out)
}

// GetSessionFile handles GET /api/sessions/:id/files/*path.
func (h *Handler) GetSessionFile(c *gin.Context) {
	rel := strings.TrimPrefix(c.Param("path"), "/")
	data, src, err := h.sessions.ReadFile(c.Request.Context(), c.Param("id"), rel)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("X-File-Source", string(src))
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// WriteSessionFile handles POST /api/sessions/:id/files. Writes go
// straight to the live sandbox through Exec, since the sandbox owns its
// own filesystem and no separate write path exists on the manager.
func (h *Handler) WriteSessionFile(c *gin.Context) {
	var req WriteFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.BadRequest(err.Error()))
		return
	}
	if strings.Contains(req.Path, "..") {
		h.fail(c, errors.BadRequest("path traversal not allowed"))
		return
	}
	script := "cat > " + strconv.Quote(req.Path) + " <<'ASH_EOF'\n" + req.Content + "\nASH_EOF\n"
	if _, err := h.sessions.Exec(c.Request.Context(), c.Param("id"), []string{"sh", "-c", script}, 30*time.Second); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteSessionFile handles DELETE /api/sessions/:id/files/*path.
func (h *Handler) DeleteSessionFile(c *gin.Context) {
	rel := strings.TrimPrefix(c.Param("path"), "/")
	if strings.Contains(rel, "..") {
		h.fail(c, errors.BadRequest("path traversal not allowed"))
		return
	}
	if _, err := h.sessions.Exec(c.Request.Context(), c.Param("id"), []string{"rm", "-rf", "--", rel}, 30*time.Second); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Exec ---

// Exec handles POST /api/sessions/:id/exec.
func (h *Handler) Exec(c *gin.Context) {
	var req ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.BadRequest(err.Error()))
		return
	}
	timeout := 60 * time.Second
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}
	result, err := h.sessions.Exec(c.Request.Context(), c.Param("id"), req.Command, timeout)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// --- Health ---

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func agentToResponse(a *apiv1.Agent) AgentResponse {
	return AgentResponse{Name: a.Name, Version: a.Version, Path: a.Path, CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt}
}

func sessionToResponse(s *apiv1.Session) SessionResponse {
	return SessionResponse{
		ID: s.ID, TenantID: s.TenantID, AgentName: s.AgentName, SandboxID: s.SandboxID,
		Status: string(s.Status), RunnerID: s.RunnerID, ParentSessionID: s.ParentSessionID,
		Model: s.Model, CreatedAt: s.CreatedAt, LastActiveAt: s.LastActiveAt,
	}
}

// safeJoin joins base and rel, rejecting any traversal outside base.
func safeJoin(base, rel string) (string, error) {
	full := filepath.Join(base, rel)
	baseClean := filepath.Clean(base) + string(os.PathSeparator)
	if !strings.HasPrefix(full+string(os.PathSeparator), baseClean) && full != filepath.Clean(base) {
		return "", stderrors.New("path escapes agent directory")
	}
	return full, nil
}
