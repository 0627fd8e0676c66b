// Package apiv1 defines the wire types exchanged between callers and the
// Ash HTTP surface.
package apiv1

import "time"

// SessionStatus is the session lifecycle state.
type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionActive   SessionStatus = "active"
	SessionPaused   SessionStatus = "paused"
	SessionStopped  SessionStatus = "stopped"
	SessionEnded    SessionStatus = "ended"
	SessionError    SessionStatus = "error"
)

// SandboxState is the sandbox pool state machine's state.
type SandboxState string

const (
	SandboxCold    SandboxState = "cold"
	SandboxWarming SandboxState = "warming"
	SandboxWarm    SandboxState = "warm"
	SandboxWaiting SandboxState = "waiting"
	SandboxRunning SandboxState = "running"
)

// MessageRole distinguishes caller from agent turns.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// EventType is a session timeline entry's classification.
type EventType string

const (
	EventMessage       EventType = "message"
	EventText          EventType = "text"
	EventTextDelta     EventType = "text_delta"
	EventThinkingDelta EventType = "thinking_delta"
	EventToolStart     EventType = "tool_start"
	EventToolResult    EventType = "tool_result"
	EventReasoning     EventType = "reasoning"
	EventError         EventType = "error"
	EventTurnComplete  EventType = "turn_complete"
	EventSessionStart  EventType = "session_start"
	EventSessionEnd    EventType = "session_end"
	EventLifecycle     EventType = "lifecycle"
)

// Agent is a deployed program bundle.
type Agent struct {
	Name      string    `json:"name"`
	TenantID  string    `json:"tenantId"`
	Version   int       `json:"version"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Session is one conversation.
type Session struct {
	ID              string        `json:"id"`
	TenantID        string        `json:"tenantId"`
	AgentName       string        `json:"agentName"`
	SandboxID       string        `json:"sandboxId,omitempty"`
	Status          SessionStatus `json:"status"`
	RunnerID        string        `json:"runnerId,omitempty"`
	ParentSessionID string        `json:"parentSessionId,omitempty"`
	Model           string        `json:"model,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	LastActiveAt    time.Time     `json:"lastActiveAt"`
}

// Sandbox is the durable descriptor of an isolated process.
type Sandbox struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenantId"`
	SessionID    string       `json:"sessionId,omitempty"`
	AgentName    string       `json:"agentName"`
	State        SandboxState `json:"state"`
	WorkspaceDir string       `json:"workspaceDir"`
	RunnerID     string       `json:"runnerId,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastUsedAt   time.Time    `json:"lastUsedAt"`
}

// Message is one persisted user or assistant turn.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionId"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Sequence  int64       `json:"sequence"`
	CreatedAt time.Time   `json:"createdAt"`
}

// SessionEvent is one timeline entry.
type SessionEvent struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Type      EventType `json:"type"`
	Data      string    `json:"data"`
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"createdAt"`
}

// Runner is a registered worker node.
type Runner struct {
	ID              string    `json:"id"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	MaxSandboxes    int       `json:"maxSandboxes"`
	ActiveCount     int       `json:"activeCount"`
	WarmingCount    int       `json:"warmingCount"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	RegisteredAt    time.Time `json:"registeredAt"`
}

// APIKey is a hashed caller credential.
type APIKey struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	KeyHash   string    `json:"-"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"createdAt"`
}

// FileEntry describes a file or directory returned by file-listing
// operations.
type FileEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// FileSource tags whether a file read came from the live sandbox or from
// the snapshot store.
type FileSource string

const (
	SourceSandbox  FileSource = "sandbox"
	SourceSnapshot FileSource = "snapshot"
)

// ExecResult is the output of a one-shot command executed in a sandbox.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}
