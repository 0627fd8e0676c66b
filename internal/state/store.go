// Package state defines the durable storage abstraction for agents,
// sessions, sandboxes, messages, timeline events, runners, and API keys,
// with pluggable embedded (SQLite) and networked (Postgres) backends.
package state

import (
	"context"
	"errors"

	v1 "github.com/kandev/ash/pkg/apiv1"
)

// Store is the storage interface every higher layer depends on. Both
// implementations hide placeholder and timestamp syntax differences
// behind it.
type Store interface {
	// Agents

	UpsertAgent(ctx context.Context, agent *v1.Agent) error
	GetAgent(ctx context.Context, tenantID, name string) (*v1.Agent, error)
	ListAgents(ctx context.Context, tenantID string) ([]*v1.Agent, error)
	DeleteAgent(ctx context.Context, tenantID, name string) error

	// Sessions

	InsertSession(ctx context.Context, session *v1.Session) error
	GetSession(ctx context.Context, id string) (*v1.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status v1.SessionStatus) error
	UpdateSessionSandbox(ctx context.Context, id, sandboxID, runnerID string) error
	TouchSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, tenantID, agentName string, status v1.SessionStatus, limit, offset int) ([]*v1.Session, error)
	ForkSession(ctx context.Context, parentID, newID string) (*v1.Session, error)

	// Sandboxes

	InsertSandbox(ctx context.Context, sandbox *v1.Sandbox) error
	SetSandboxState(ctx context.Context, id string, s v1.SandboxState) error
	GetSandbox(ctx context.Context, id string) (*v1.Sandbox, error)
	ListSandboxesByState(ctx context.Context, s v1.SandboxState) ([]*v1.Sandbox, error)
	MarkSandboxEvicted(ctx context.Context, id string) error
	ListStaleSandboxes(ctx context.Context, olderThanColdTTL int64) ([]*v1.Sandbox, error)
	DeleteSandbox(ctx context.Context, id string) error
	TouchSandboxLastUsed(ctx context.Context, id string) error

	// Messages

	AppendMessage(ctx context.Context, msg *v1.Message) error
	ListMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*v1.Message, error)

	// Events

	AppendEvent(ctx context.Context, ev *v1.SessionEvent) error
	ListEventsAfter(ctx context.Context, sessionID string, afterSeq int64, typeFilter v1.EventType, limit int) ([]*v1.SessionEvent, error)

	// Runners

	UpsertRunner(ctx context.Context, r *v1.Runner) error
	HeartbeatRunner(ctx context.Context, id string, activeCount, warmingCount int) error
	ListLiveRunners(ctx context.Context, livenessTimeoutMs int64) ([]*v1.Runner, error)
	GetRunner(ctx context.Context, id string) (*v1.Runner, error)

	// API keys

	GetAPIKeyByHash(ctx context.Context, hash string) (*v1.APIKey, error)
	InsertAPIKey(ctx context.Context, key *v1.APIKey) error

	Close() error
}

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = notFoundErr{}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "state: not found" }

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
