package httpapi

import (
	"context"

	"github.com/kandev/ash/internal/state"
	v1 "github.com/kandev/ash/pkg/apiv1"
)

// fakeStoreBase implements state.Store with every method panicking.
// Tests embed it and override only the methods the exercised code path
// actually reaches, the same double pattern used in internal/runner's
// tests.
type fakeStoreBase struct{}

var _ state.Store = (*fakeStoreBase)(nil)

func (fakeStoreBase) UpsertAgent(ctx context.Context, agent *v1.Agent) error { panic("unused") }
func (fakeStoreBase) GetAgent(ctx context.Context, tenantID, name string) (*v1.Agent, error) {
	panic("unused")
}
func (fakeStoreBase) ListAgents(ctx context.Context, tenantID string) ([]*v1.Agent, error) {
	panic("unused")
}
func (fakeStoreBase) DeleteAgent(ctx context.Context, tenantID, name string) error {
	panic("unused")
}

func (fakeStoreBase) InsertSession(ctx context.Context, session *v1.Session) error {
	panic("unused")
}
func (fakeStoreBase) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	panic("unused")
}
func (fakeStoreBase) UpdateSessionStatus(ctx context.Context, id string, status v1.SessionStatus) error {
	panic("unused")
}
func (fakeStoreBase) UpdateSessionSandbox(ctx context.Context, id, sandboxID, runnerID string) error {
	panic("unused")
}
func (fakeStoreBase) TouchSession(ctx context.Context, id string) error { panic("unused") }
func (fakeStoreBase) ListSessions(ctx context.Context, tenantID, agentName string, status v1.SessionStatus, limit, offset int) ([]*v1.Session, error) {
	panic("unused")
}
func (fakeStoreBase) ForkSession(ctx context.Context, parentID, newID string) (*v1.Session, error) {
	panic("unused")
}

func (fakeStoreBase) InsertSandbox(ctx context.Context, sandbox *v1.Sandbox) error {
	panic("unused")
}
func (fakeStoreBase) SetSandboxState(ctx context.Context, id string, s v1.SandboxState) error {
	panic("unused")
}
func (fakeStoreBase) GetSandbox(ctx context.Context, id string) (*v1.Sandbox, error) {
	panic("unused")
}
func (fakeStoreBase) ListSandboxesByState(ctx context.Context, s v1.SandboxState) ([]*v1.Sandbox, error) {
	panic("unused")
}
func (fakeStoreBase) MarkSandboxEvicted(ctx context.Context, id string) error { panic("unused") }
func (fakeStoreBase) ListStaleSandboxes(ctx context.Context, olderThanColdTTL int64) ([]*v1.Sandbox, error) {
	panic("unused")
}
func (fakeStoreBase) DeleteSandbox(ctx context.Context, id string) error  { panic("unused") }
func (fakeStoreBase) TouchSandboxLastUsed(ctx context.Context, id string) error {
	panic("unused")
}

func (fakeStoreBase) AppendMessage(ctx context.Context, msg *v1.Message) error { panic("unused") }
func (fakeStoreBase) ListMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*v1.Message, error) {
	panic("unused")
}

func (fakeStoreBase) AppendEvent(ctx context.Context, ev *v1.SessionEvent) error { panic("unused") }
func (fakeStoreBase) ListEventsAfter(ctx context.Context, sessionID string, afterSeq int64, typeFilter v1.EventType, limit int) ([]*v1.SessionEvent, error) {
	panic("unused")
}

func (fakeStoreBase) UpsertRunner(ctx context.Context, r *v1.Runner) error { panic("unused") }
func (fakeStoreBase) HeartbeatRunner(ctx context.Context, id string, activeCount, warmingCount int) error {
	panic("unused")
}
func (fakeStoreBase) ListLiveRunners(ctx context.Context, livenessTimeoutMs int64) ([]*v1.Runner, error) {
	panic("unused")
}
func (fakeStoreBase) GetRunner(ctx context.Context, id string) (*v1.Runner, error) {
	panic("unused")
}

func (fakeStoreBase) GetAPIKeyByHash(ctx context.Context, hash string) (*v1.APIKey, error) {
	panic("unused")
}
func (fakeStoreBase) InsertAPIKey(ctx context.Context, key *v1.APIKey) error { panic("unused") }

func (fakeStoreBase) Close() error { panic("unused") }
