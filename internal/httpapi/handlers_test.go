package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/kandev/ash/internal/agentcatalog"
	"github.com/kandev/ash/internal/common/logger"
	"github.com/kandev/ash/internal/state"
	v1 "github.com/kandev/ash/pkg/apiv1"
)

type agentStore struct {
	fakeStoreBase
	agents map[string]*v1.Agent
}

func (s *agentStore) key(tenant, name string) string { return tenant + "/" + name }

func (s *agentStore) UpsertAgent(ctx context.Context, agent *v1.Agent) error {
	if s.agents == nil {
		s.agents = map[string]*v1.Agent{}
	}
	s.agents[s.key(agent.TenantID, agent.Name)] = agent
	return nil
}

func (s *agentStore) GetAgent(ctx context.Context, tenantID, name string) (*v1.Agent, error) {
	a, ok := s.agents[s.key(tenantID, name)]
	if !ok {
		return nil, state.ErrNotFound
	}
	return a, nil
}

func (s *agentStore) ListAgents(ctx context.Context, tenantID string) ([]*v1.Agent, error) {
	var out []*v1.Agent
	for _, a := range s.agents {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *agentStore) DeleteAgent(ctx context.Context, tenantID, name string) error {
	delete(s.agents, s.key(tenantID, name))
	return nil
}

func newTestHandler(store state.Store) *Handler {
	return New(nil, agentcatalog.New(store), nil, nil, store, logger.NewNop())
}

func TestHandlerHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHandler(&agentStore{})
	engine := gin.New()
	engine.GET("/health", h.Health)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHandlerDeployAndListAgents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("# agent"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := &agentStore{}
	h := newTestHandler(store)
	engine := gin.New()
	engine.Use(ErrorHandler(logger.NewNop()))
	engine.POST("/api/agents", h.DeployAgent)
	engine.GET("/api/agents", h.ListAgents)

	body, _ := json.Marshal(DeployAgentRequest{Name: "reviewer", Path: dir})
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/agents", bytes.NewReader(body)))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 deploying agent, got %d: %s", w.Code, w.Body.String())
	}

	var deployed AgentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &deployed); err != nil {
		t.Fatal(err)
	}
	if deployed.Name != "reviewer" || deployed.Version != 1 {
		t.Fatalf("unexpected deploy response: %+v", deployed)
	}

	w2 := httptest.NewRecorder()
	engine.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/api/agents", nil))
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200 listing agents, got %d", w2.Code)
	}
	var listed AgentsListResponse
	if err := json.Unmarshal(w2.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Agents) != 1 || listed.Agents[0].Name != "reviewer" {
		t.Fatalf("expected one listed agent, got %+v", listed)
	}
}

func TestHandlerDeployAgentMissingClaudeMD(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()

	store := &agentStore{}
	h := newTestHandler(store)
	engine := gin.New()
	engine.Use(ErrorHandler(logger.NewNop()))
	engine.POST("/api/agents", h.DeployAgent)

	body, _ := json.Marshal(DeployAgentRequest{Name: "reviewer", Path: dir})
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/agents", bytes.NewReader(body)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 deploying without CLAUDE.md, got %d", w.Code)
	}
}
