package runner

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/ash/internal/common/errors"
	"github.com/kandev/ash/internal/common/logger"
	"github.com/kandev/ash/internal/sandboxmgr"
	"github.com/kandev/ash/pkg/apiv1"
	"github.com/kandev/ash/pkg/bridgeproto"
)

// Server exposes the sandbox primitives a runner executes on behalf of a
// coordinator's RemoteClient, the mirror image of client.go's request
// shapes. It owns no session concept of its own — sessions live on the
// coordinator; a runner only ever sees sandbox ids.
type Server struct {
	mgr    *sandboxmgr.Manager
	logger *logger.Logger
}

// NewServer builds a Server backed by a node-local sandbox manager.
func NewServer(mgr *sandboxmgr.Manager, log *logger.Logger) *Server {
	return &Server{mgr: mgr, logger: log.WithFields(zap.String("component", "runner_server"))}
}

// RegisterRoutes mounts the sandbox surface under group (already behind
// InternalAuth in the caller).
func (s *Server) RegisterRoutes(group *gin.RouterGroup) {
	sandboxes := group.Group("/sandboxes")
	sandboxes.POST("", s.create)
	sandboxes.POST("/:id/destroy", s.destroy)
	sandboxes.POST("/:id/exec", s.exec)
	sandboxes.GET("/:id/files", s.listFiles)
	sandboxes.GET("/:id/files/*path", s.readFile)
	sandboxes.POST("/:id/query", s.query)
}

func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

func (s *Server) create(c *gin.Context) {
	var req CreateSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errors.BadRequest(err.Error()))
		return
	}
	managed, err := s.mgr.Create(c.Request.Context(), sandboxmgr.CreateOpts{
		SessionID:     req.SessionID,
		AgentName:     req.AgentName,
		AgentDir:      req.AgentDir,
		CredentialID:  req.CredentialID,
		ExtraEnv:      req.ExtraEnv,
		StartupScript: req.StartupScript,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, apiv1.Sandbox{
		ID:           managed.ID,
		SessionID:    req.SessionID,
		AgentName:    req.AgentName,
		State:        managed.State,
		WorkspaceDir: managed.WorkspaceDir,
		CreatedAt:    time.Now(),
		LastUsedAt:   time.Now(),
	})
}

func (s *Server) destroy(c *gin.Context) {
	keepWorkspace := c.Query("keepWorkspace") == "true"
	if err := s.mgr.Destroy(c.Request.Context(), c.Param("id"), keepWorkspace); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) exec(c *gin.Context) {
	var req struct {
		Command   []string `json:"command"`
		TimeoutMs int64    `json:"timeoutMs"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errors.BadRequest(err.Error()))
		return
	}
	result, err := s.mgr.Exec(c.Request.Context(), c.Param("id"), req.Command, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) listFiles(c *gin.Context) {
	entries, err := s.mgr.ReadFiles(c.Param("id"), c.Query("path"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) readFile(c *gin.Context) {
	path := c.Param("path")
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	data, err := s.mgr.ReadFile(c.Param("id"), path)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// query tunnels a command to the sandbox's bridge and streams its events
// back as newline-delimited JSON, reusing bridgeproto's own encoder so the
// coordinator's RemoteClient.StreamQuery can decode it without any
// reinterpretation of the wire format.
func (s *Server) query(c *gin.Context) {
	var cmd bridgeproto.Command
	if err := json.NewDecoder(c.Request.Body).Decode(&cmd); err != nil {
		s.fail(c, errors.BadRequest(err.Error()))
		return
	}

	client, err := s.mgr.GetClient(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}

	events, err := client.SendCommand(c.Request.Context(), cmd)
	if err != nil {
		s.fail(c, errors.UpstreamError(err))
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Transfer-Encoding", "chunked")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)

	enc := bridgeproto.NewEncoder(c.Writer)
	for ev := range events {
		if err := enc.EncodeEvent(ev); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if ev.Ev == bridgeproto.EvDone || ev.Ev == bridgeproto.EvError {
			return
		}
	}
}
