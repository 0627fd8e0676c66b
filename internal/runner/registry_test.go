package runner

import (
	"context"
	"testing"
	"time"

	"github.com/kandev/ash/internal/common/logger"
	"github.com/kandev/ash/internal/state"
	v1 "github.com/kandev/ash/pkg/apiv1"
)

// fakeStore implements state.Store with runner bookkeeping in memory; every
// other method panics since only the runner package exercises this fake.
type fakeStore struct {
	runners map[string]*v1.Runner
}

func newFakeStore() *fakeStore { return &fakeStore{runners: map[string]*v1.Runner{}} }

func (f *fakeStore) UpsertAgent(ctx context.Context, agent *v1.Agent) error { panic("unused") }
func (f *fakeStore) GetAgent(ctx context.Context, tenantID, name string) (*v1.Agent, error) {
	panic("unused")
}
func (f *fakeStore) ListAgents(ctx context.Context, tenantID string) ([]*v1.Agent, error) {
	panic("unused")
}
func (f *fakeStore) DeleteAgent(ctx context.Context, tenantID, name string) error { panic("unused") }
func (f *fakeStore) InsertSession(ctx context.Context, session *v1.Session) error { panic("unused") }
func (f *fakeStore) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	panic("unused")
}
func (f *fakeStore) UpdateSessionStatus(ctx context.Context, id string, status v1.SessionStatus) error {
	panic("unused")
}
func (f *fakeStore) UpdateSessionSandbox(ctx context.Context, id, sandboxID, runnerID string) error {
	panic("unused")
}
func (f *fakeStore) TouchSession(ctx context.Context, id string) error { panic("unused") }
func (f *fakeStore) ListSessions(ctx context.Context, tenantID, agentName string, status v1.SessionStatus, limit, offset int) ([]*v1.Session, error) {
	panic("unused")
}
func (f *fakeStore) ForkSession(ctx context.Context, parentID, newID string) (*v1.Session, error) {
	panic("unused")
}
func (f *fakeStore) InsertSandbox(ctx context.Context, sandbox *v1.Sandbox) error { panic("unused") }
func (f *fakeStore) SetSandboxState(ctx context.Context, id string, s v1.SandboxState) error {
	panic("unused")
}
func (f *fakeStore) GetSandbox(ctx context.Context, id string) (*v1.Sandbox, error) {
	panic("unused")
}
func (f *fakeStore) ListSandboxesByState(ctx context.Context, s v1.SandboxState) ([]*v1.Sandbox, error) {
	panic("unused")
}
func (f *fakeStore) MarkSandboxEvicted(ctx context.Context, id string) error { panic("unused") }
func (f *fakeStore) ListStaleSandboxes(ctx context.Context, olderThanColdTTL int64) ([]*v1.Sandbox, error) {
	panic("unused")
}
func (f *fakeStore) DeleteSandbox(ctx context.Context, id string) error         { panic("unused") }
func (f *fakeStore) TouchSandboxLastUsed(ctx context.Context, id string) error  { panic("unused") }
func (f *fakeStore) AppendMessage(ctx context.Context, msg *v1.Message) error   { panic("unused") }
func (f *fakeStore) ListMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*v1.Message, error) {
	panic("unused")
}
func (f *fakeStore) AppendEvent(ctx context.Context, ev *v1.SessionEvent) error { panic("unused") }
func (f *fakeStore) ListEventsAfter(ctx context.Context, sessionID string, afterSeq int64, typeFilter v1.EventType, limit int) ([]*v1.SessionEvent, error) {
	panic("unused")
}
func (f *fakeStore) GetAPIKeyByHash(ctx context.Context, hash string) (*v1.APIKey, error) {
	panic("unused")
}
func (f *fakeStore) InsertAPIKey(ctx context.Context, key *v1.APIKey) error { panic("unused") }
func (f *fakeStore) Close() error                                          { return nil }

func (f *fakeStore) UpsertRunner(ctx context.Context, r *v1.Runner) error {
	cp := *r
	f.runners[r.ID] = &cp
	return nil
}

func (f *fakeStore) HeartbeatRunner(ctx context.Context, id string, activeCount, warmingCount int) error {
	r, ok := f.runners[id]
	if !ok {
		return state.ErrNotFound
	}
	r.ActiveCount = activeCount
	r.WarmingCount = warmingCount
	r.LastHeartbeatAt = time.Now()
	return nil
}

func (f *fakeStore) ListLiveRunners(ctx context.Context, livenessTimeoutMs int64) ([]*v1.Runner, error) {
	cutoff := time.Now().Add(-time.Duration(livenessTimeoutMs) * time.Millisecond)
	var out []*v1.Runner
	for _, r := range f.runners {
		if r.LastHeartbeatAt.After(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) GetRunner(ctx context.Context, id string) (*v1.Runner, error) {
	r, ok := f.runners[id]
	if !ok {
		return nil, state.ErrNotFound
	}
	return r, nil
}

var _ state.Store = (*fakeStore)(nil)

func TestRegistryRegisterPreservesRegisteredAt(t *testing.T) {
	store := newFakeStore()
	reg := New(store, time.Minute, logger.NewNop())

	first, err := reg.Register(context.Background(), "r1", "host1", 9000, 4)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	second, err := reg.Register(context.Background(), "r1", "host1", 9000, 4)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Fatalf("expected registeredAt to be preserved across re-registration, got %v want %v", second.RegisteredAt, first.RegisteredAt)
	}
}

func TestRouterSelectNoRunnersRunsLocally(t *testing.T) {
	store := newFakeStore()
	reg := New(store, time.Minute, logger.NewNop())
	router := NewRouter(reg, logger.NewNop())

	id, err := router.Select(context.Background())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty runner id for local execution, got %q", id)
	}
}

func TestRouterSelectMostFreeSlots(t *testing.T) {
	store := newFakeStore()
	reg := New(store, time.Minute, logger.NewNop())
	router := NewRouter(reg, logger.NewNop())

	mustRegister := func(id string, max int) {
		if _, err := reg.Register(context.Background(), id, "host", 9000, max); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}
	mustRegister("busy", 4)
	mustRegister("free", 4)
	if err := reg.Heartbeat(context.Background(), "busy", 3, 0); err != nil {
		t.Fatalf("Heartbeat busy: %v", err)
	}
	if err := reg.Heartbeat(context.Background(), "free", 1, 0); err != nil {
		t.Fatalf("Heartbeat free: %v", err)
	}

	id, err := router.Select(context.Background())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if id != "free" {
		t.Fatalf("expected runner with most free slots, got %q", id)
	}
}

func TestRouterSelectAllFullReturnsCapacityExceeded(t *testing.T) {
	store := newFakeStore()
	reg := New(store, time.Minute, logger.NewNop())
	router := NewRouter(reg, logger.NewNop())

	if _, err := reg.Register(context.Background(), "r1", "host", 9000, 2); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Heartbeat(context.Background(), "r1", 2, 0); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	if _, err := router.Select(context.Background()); err == nil {
		t.Fatal("expected capacity exceeded error")
	}
}
