// Package session is the top-level orchestrator: session CRUD, message
// streaming, pause/resume/stop/end, fork, and file access, wiring the
// sandbox pool, manager, snapshot store, and state store together. Every
// operation is tenant-scoped.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/ash/internal/agentcatalog"
	"github.com/kandev/ash/internal/common/errors"
	"github.com/kandev/ash/internal/common/logger"
	"github.com/kandev/ash/internal/events/bus"
	"github.com/kandev/ash/internal/pool"
	"github.com/kandev/ash/internal/sandboxmgr"
	"github.com/kandev/ash/internal/snapshot"
	"github.com/kandev/ash/internal/state"
	"github.com/kandev/ash/pkg/apiv1"
	"github.com/kandev/ash/pkg/bridgeproto"
)

// CreateOptions carries the caller-supplied extras for session creation.
type CreateOptions struct {
	CredentialID  string
	ExtraEnv      map[string]string
	StartupScript string
	Model         string
}

// SendOptions carries per-message overrides.
type SendOptions struct {
	Model                  string
	IncludePartialMessages bool
}

// StreamFunc receives every event forwarded to a sendMessage caller: the
// raw passthrough message plus each classified granular event, in arrival
// order. data is already JSON-marshalable.
type StreamFunc func(eventType apiv1.EventType, data interface{})

// Service is the session orchestrator. It currently executes every
// sandbox operation on the local node; routing lifecycle calls to a
// remote runner layers in above this via the same Pool/Manager shapes.
type Service struct {
	store    state.Store
	pool     *pool.Pool
	mgr      *sandboxmgr.Manager
	snapshot *snapshot.Store
	catalog  *agentcatalog.Catalog
	eventBus bus.EventBus
	logger   *logger.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

// New builds a Service.
func New(store state.Store, p *pool.Pool, mgr *sandboxmgr.Manager, snap *snapshot.Store, catalog *agentcatalog.Catalog, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:    store,
		pool:     p,
		mgr:      mgr,
		snapshot: snap,
		catalog:  catalog,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "session-service")),
		inFlight: make(map[string]bool),
	}
}

// CreateSession looks up the agent, creates a sandbox for it, and inserts
// the session record active.
func (s *Service) CreateSession(ctx context.Context, tenantID, agentName string, opts CreateOptions) (*apiv1.Session, error) {
	agent, err := s.catalog.Get(ctx, tenantID, agentName)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	sess := &apiv1.Session{
		ID:        id,
		TenantID:  tenantID,
		AgentName: agentName,
		Status:    apiv1.SessionStarting,
		Model:     opts.Model,
	}
	if err := s.store.InsertSession(ctx, sess); err != nil {
		return nil, errors.PersistenceError("insert_session", err)
	}

	managed, err := s.pool.Acquire(ctx, id, func(ctx context.Context) (*sandboxmgr.ManagedSandbox, error) {
		return s.mgr.Create(ctx, sandboxmgr.CreateOpts{
			SessionID:     id,
			AgentName:     agentName,
			AgentDir:      agent.Path,
			CredentialID:  opts.CredentialID,
			ExtraEnv:      opts.ExtraEnv,
			StartupScript: opts.StartupScript,
		})
	})
	if err != nil {
		_ = s.store.UpdateSessionStatus(ctx, id, apiv1.SessionError)
		return nil, err
	}

	if err := s.store.InsertSandbox(ctx, &apiv1.Sandbox{
		ID: managed.ID, TenantID: tenantID, SessionID: id, AgentName: agentName,
		State: managed.State, WorkspaceDir: managed.WorkspaceDir,
	}); err != nil {
		s.logger.Warn("insert sandbox record failed", zap.Error(err))
	}
	if err := s.store.UpdateSessionSandbox(ctx, id, managed.ID, ""); err != nil {
		s.logger.Warn("update session sandbox failed", zap.Error(err))
	}
	if err := s.store.UpdateSessionStatus(ctx, id, apiv1.SessionActive); err != nil {
		s.logger.Warn("update session status failed", zap.Error(err))
	}

	sess.SandboxID = managed.ID
	sess.Status = apiv1.SessionActive
	s.publishLifecycle(ctx, "session.created", sess)
	return sess, nil
}

// GetSession looks up a session by id.
func (s *Service) GetSession(ctx context.Context, id string) (*apiv1.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		if state.IsNotFound(err) {
			return nil, errors.NotFound("session", id)
		}
		return nil, errors.PersistenceError("get_session", err)
	}
	return sess, nil
}

// ListSessions lists sessions for a tenant, optionally filtered.
func (s *Service) ListSessions(ctx context.Context, tenantID, agentName string, status apiv1.SessionStatus, limit, offset int) ([]*apiv1.Session, error) {
	list, err := s.store.ListSessions(ctx, tenantID, agentName, status, limit, offset)
	if err != nil {
		return nil, errors.PersistenceError("list_sessions", err)
	}
	return list, nil
}

func (s *Service) tryLock(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[sessionID] {
		return false
	}
	s.inFlight[sessionID] = true
	return true
}

func (s *Service) unlock(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, sessionID)
}

// SendMessage persists the user's message, opens a bridge query, and
// streams raw plus classified events to sink in arrival order. Exactly one
// SendMessage may run per session at a time; a concurrent caller gets
// errors.Busy.
func (s *Service) SendMessage(ctx context.Context, sessionID, content string, opts SendOptions, sink StreamFunc) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != apiv1.SessionActive {
		return errors.Conflict(fmt.Sprintf("session '%s' is not active", sessionID))
	}

	if !s.tryLock(sessionID) {
		return errors.Busy(sessionID)
	}
	defer s.unlock(sessionID)

	userMsg := &apiv1.Message{SessionID: sessionID, Role: apiv1.RoleUser, Content: content}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		s.logger.Warn("persist user message failed", zap.Error(err))
	}

	bc, err := s.mgr.GetClient(sess.SandboxID)
	if err != nil {
		return err
	}
	s.pool.MarkState(sess.SandboxID, apiv1.SandboxRunning)
	defer s.pool.MarkState(sess.SandboxID, apiv1.SandboxWaiting)
	s.pool.Hold(sess.SandboxID)
	defer s.pool.Release(sess.SandboxID)

	model := opts.Model
	if model == "" {
		model = sess.Model
	}
	events, err := bc.SendCommand(ctx, bridgeproto.QueryCommand(sessionID, content, model, opts.IncludePartialMessages))
	if err != nil {
		_ = s.store.UpdateSessionStatus(ctx, sessionID, apiv1.SessionError)
		return errors.BridgeLost(sess.SandboxID, err)
	}

	for ev := range events {
		switch ev.Ev {
		case bridgeproto.EvMessage:
			s.handleUpstreamMessage(ctx, sessionID, ev.Data, sink)
		case bridgeproto.EvError:
			sink(apiv1.EventError, map[string]interface{}{"error": ev.Error})
			s.appendEvent(ctx, sessionID, apiv1.EventError, map[string]interface{}{"error": ev.Error})
		}
	}

	if err := s.store.TouchSession(ctx, sessionID); err != nil {
		s.logger.Warn("touch session failed", zap.Error(err))
	}
	return nil
}

// handleUpstreamMessage emits the raw passthrough event, classifies it,
// persists the classified timeline events, and persists a message row for
// final message types.
func (s *Service) handleUpstreamMessage(ctx context.Context, sessionID string, data json.RawMessage, sink StreamFunc) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		raw = string(data)
	}
	sink(apiv1.EventMessage, raw)

	for _, ce := range Classify(data) {
		sink(ce.Type, ce.Data)
		s.appendEvent(ctx, sessionID, ce.Type, ce.Data)
	}

	var typ struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &typ); err == nil && isFinalMessageType(typ.Type) {
		role := apiv1.RoleAssistant
		if err := s.store.AppendMessage(ctx, &apiv1.Message{SessionID: sessionID, Role: role, Content: string(data)}); err != nil {
			s.logger.Warn("persist assistant message failed", zap.Error(err))
		}
	}
}

func (s *Service) appendEvent(ctx context.Context, sessionID string, typ apiv1.EventType, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	if err := s.store.AppendEvent(ctx, &apiv1.SessionEvent{SessionID: sessionID, Type: typ, Data: string(payload)}); err != nil {
		s.logger.Warn("persist event failed", zap.String("type", string(typ)), zap.Error(err))
	}
}

// PauseSession persists and tears down the sandbox, leaving the session
// resumable.
func (s *Service) PauseSession(ctx context.Context, id string) error {
	sess, err := s.requireState(ctx, id, apiv1.SessionActive)
	if err != nil {
		return err
	}
	if err := s.pool.Evict(ctx, sess.SandboxID); err != nil {
		return err
	}
	return s.transition(ctx, id, apiv1.SessionPaused)
}

// StopSession is semantically an explicit user stop; same persistence as
// pause.
func (s *Service) StopSession(ctx context.Context, id string) error {
	sess, err := s.requireState(ctx, id, apiv1.SessionActive)
	if err != nil {
		return err
	}
	if err := s.pool.Evict(ctx, sess.SandboxID); err != nil {
		return err
	}
	return s.transition(ctx, id, apiv1.SessionStopped)
}

// EndSession destroys the sandbox permanently; the snapshot remains for
// audit. Terminal.
func (s *Service) EndSession(ctx context.Context, id string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == apiv1.SessionEnded {
		return nil
	}
	if managed, ok := s.mgr.Get(sess.SandboxID); ok {
		if s.snapshot != nil {
			s.snapshot.Persist(id, managed.WorkspaceDir, sess.AgentName)
		}
		if err := s.mgr.Destroy(ctx, sess.SandboxID, false); err != nil {
			s.logger.Warn("destroy sandbox on end failed", zap.Error(err))
		}
		s.pool.Untrack(sess.SandboxID)
		if err := s.store.MarkSandboxEvicted(ctx, sess.SandboxID); err != nil {
			s.logger.Warn("mark sandbox evicted on end failed", zap.Error(err))
		}
	}
	return s.transition(ctx, id, apiv1.SessionEnded)
}

// ResumeSession reattaches a still-live sandbox (warm path) or recreates
// one and restores its snapshot before the bridge starts (cold path).
// ended sessions are rejected with errors.Gone.
func (s *Service) ResumeSession(ctx context.Context, id string) (*apiv1.Session, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == apiv1.SessionEnded {
		return nil, errors.Gone("session", id)
	}
	if sess.Status == apiv1.SessionActive {
		return sess, nil
	}

	agent, err := s.catalog.Get(ctx, sess.TenantID, sess.AgentName)
	if err != nil {
		return nil, err
	}

	managed, err := s.pool.Acquire(ctx, id, func(ctx context.Context) (*sandboxmgr.ManagedSandbox, error) {
		opts := sandboxmgr.CreateOpts{
			SessionID: id,
			AgentName: sess.AgentName,
			AgentDir:  agent.Path,
		}
		if s.snapshot != nil && s.snapshot.Has(id) {
			opts.RestoreFunc = func(workspaceDir string) error {
				if !s.snapshot.Restore(id, workspaceDir) {
					return fmt.Errorf("restore snapshot for session %s", id)
				}
				return nil
			}
		}
		return s.mgr.Create(ctx, opts)
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.InsertSandbox(ctx, &apiv1.Sandbox{
		ID: managed.ID, TenantID: sess.TenantID, SessionID: id, AgentName: sess.AgentName,
		State: managed.State, WorkspaceDir: managed.WorkspaceDir,
	}); err != nil {
		s.logger.Warn("insert sandbox record on resume failed", zap.Error(err))
	}
	if err := s.store.UpdateSessionSandbox(ctx, id, managed.ID, ""); err != nil {
		s.logger.Warn("update session sandbox on resume failed", zap.Error(err))
	}
	if err := s.transition(ctx, id, apiv1.SessionActive); err != nil {
		return nil, err
	}

	sess.SandboxID = managed.ID
	sess.Status = apiv1.SessionActive
	return sess, nil
}

// ForkSession creates a child session from the parent's current state: a
// new session with parentSessionId set, the parent's messages copied, and
// a cold sandbox seeded from a fresh snapshot of the parent's live
// workspace. The parent is untouched.
func (s *Service) ForkSession(ctx context.Context, parentID string) (*apiv1.Session, error) {
	parent, err := s.GetSession(ctx, parentID)
	if err != nil {
		return nil, err
	}

	childID := uuid.New().String()
	child, err := s.store.ForkSession(ctx, parentID, childID)
	if err != nil {
		return nil, errors.PersistenceError("fork_session", err)
	}
	child.ID = childID
	child.ParentSessionID = parentID
	child.Status = apiv1.SessionStarting
	if err := s.store.InsertSession(ctx, child); err != nil {
		return nil, errors.PersistenceError("insert_forked_session", err)
	}

	if managed, ok := s.mgr.Get(parent.SandboxID); ok && s.snapshot != nil {
		s.snapshot.Persist(childID, managed.WorkspaceDir, parent.AgentName)
	}

	agent, err := s.catalog.Get(ctx, parent.TenantID, parent.AgentName)
	if err != nil {
		return nil, err
	}

	managed, err := s.pool.Acquire(ctx, childID, func(ctx context.Context) (*sandboxmgr.ManagedSandbox, error) {
		opts := sandboxmgr.CreateOpts{
			SessionID: childID,
			AgentName: parent.AgentName,
			AgentDir:  agent.Path,
		}
		if s.snapshot != nil && s.snapshot.Has(childID) {
			opts.RestoreFunc = func(workspaceDir string) error {
				if !s.snapshot.Restore(childID, workspaceDir) {
					return fmt.Errorf("restore snapshot for forked session %s", childID)
				}
				return nil
			}
		}
		return s.mgr.Create(ctx, opts)
	})
	if err != nil {
		_ = s.store.UpdateSessionStatus(ctx, childID, apiv1.SessionError)
		return nil, err
	}

	if err := s.store.InsertSandbox(ctx, &apiv1.Sandbox{
		ID: managed.ID, TenantID: parent.TenantID, SessionID: childID, AgentName: parent.AgentName,
		State: managed.State, WorkspaceDir: managed.WorkspaceDir,
	}); err != nil {
		s.logger.Warn("insert sandbox record on fork failed", zap.Error(err))
	}
	_ = s.store.UpdateSessionSandbox(ctx, childID, managed.ID, "")
	_ = s.store.UpdateSessionStatus(ctx, childID, apiv1.SessionActive)

	child.SandboxID = managed.ID
	child.Status = apiv1.SessionActive
	return child, nil
}

// Exec proxies a one-shot command to the session's sandbox.
func (s *Service) Exec(ctx context.Context, id string, command []string, timeout time.Duration) (*apiv1.ExecResult, error) {
	sess, err := s.requireState(ctx, id, apiv1.SessionActive)
	if err != nil {
		return nil, err
	}
	return s.mgr.Exec(ctx, sess.SandboxID, command, timeout)
}

// ListFiles reads a directory from the live workspace if the sandbox
// exists, otherwise from the snapshot store, tagging the source.
func (s *Service) ListFiles(ctx context.Context, id, path string) ([]apiv1.FileEntry, apiv1.FileSource, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if _, ok := s.mgr.Get(sess.SandboxID); ok {
		entries, err := s.mgr.ReadFiles(sess.SandboxID, path)
		return entries, apiv1.SourceSandbox, err
	}
	if s.snapshot == nil || !s.snapshot.Has(id) {
		return nil, "", errors.NotFound("workspace", id)
	}
	entries, err := snapshotListDir(s.snapshot, id, path)
	return entries, apiv1.SourceSnapshot, err
}

// ReadFile reads a single file, capped at 1 MiB, from the live workspace
// if present, else the snapshot.
func (s *Service) ReadFile(ctx context.Context, id, path string) ([]byte, apiv1.FileSource, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if _, ok := s.mgr.Get(sess.SandboxID); ok {
		data, err := s.mgr.ReadFile(sess.SandboxID, path)
		return data, apiv1.SourceSandbox, err
	}
	if s.snapshot == nil || !s.snapshot.Has(id) {
		return nil, "", errors.NotFound("workspace", id)
	}
	data, err := snapshotReadFile(s.snapshot, id, path)
	return data, apiv1.SourceSnapshot, err
}

// Logs returns the session's sandbox container logs. follow keeps the
// stream open for a live tail; the caller must close the returned reader.
func (s *Service) Logs(ctx context.Context, id string, follow bool, tail string) (io.ReadCloser, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.SandboxID == "" {
		return nil, errors.NotFound("sandbox", id)
	}
	return s.mgr.Logs(ctx, sess.SandboxID, follow, tail)
}

func (s *Service) requireState(ctx context.Context, id string, want apiv1.SessionStatus) (*apiv1.Session, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != want {
		return nil, errors.Conflict(fmt.Sprintf("session '%s' is %s, want %s", id, sess.Status, want))
	}
	return sess, nil
}

func (s *Service) transition(ctx context.Context, id string, status apiv1.SessionStatus) error {
	if err := s.store.UpdateSessionStatus(ctx, id, status); err != nil {
		return errors.PersistenceError("update_session_status", err)
	}
	return nil
}

func (s *Service) publishLifecycle(ctx context.Context, eventType string, sess *apiv1.Session) {
	ev, err := bus.NewEvent(eventType, "session-service", sess)
	if err != nil {
		return
	}
	if err := s.eventBus.Publish(ctx, eventType, ev); err != nil {
		s.logger.Debug("publish lifecycle event failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

// snapshotListDir and snapshotReadFile expose the restore-target-free read
// path for file access against a session with no live sandbox: they list
// and read directly out of the snapshot directory on disk.
func snapshotListDir(store *snapshot.Store, sessionID, path string) ([]apiv1.FileEntry, error) {
	return store.ListDir(sessionID, path)
}

func snapshotReadFile(store *snapshot.Store, sessionID, path string) ([]byte, error) {
	return store.ReadFile(sessionID, path, 1<<20)
}
