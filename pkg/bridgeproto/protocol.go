// Package bridgeproto defines the newline-delimited JSON wire protocol
// spoken between a coordinator (or runner) and the bridge process running
// inside a sandbox.
package bridgeproto

import "encoding/json"

// CommandType discriminates a Command's payload (coordinator -> bridge).
type CommandType string

const (
	CmdQuery     CommandType = "query"
	CmdResume    CommandType = "resume"
	CmdInterrupt CommandType = "interrupt"
	CmdShutdown  CommandType = "shutdown"
	CmdExec      CommandType = "exec"
)

// EventType discriminates an Event's payload (bridge -> coordinator).
type EventType string

const (
	EvReady      EventType = "ready"
	EvMessage    EventType = "message"
	EvError      EventType = "error"
	EvDone       EventType = "done"
	EvExecResult EventType = "exec_result"
	EvLog        EventType = "log"
)

// LogLevel tags the source stream of a log event.
type LogLevel string

const (
	LogStdout LogLevel = "stdout"
	LogStderr LogLevel = "stderr"
	LogSystem LogLevel = "system"
)

// Command is a single frame sent from the coordinator to the bridge.
//
// Only the fields relevant to Cmd are populated; the rest are omitted on
// the wire via omitempty.
type Command struct {
	Cmd                    CommandType `json:"cmd"`
	Prompt                 string      `json:"prompt,omitempty"`
	SessionID              string      `json:"sessionId,omitempty"`
	IncludePartialMessages bool        `json:"includePartialMessages,omitempty"`
	Model                  string      `json:"model,omitempty"`
	Command                []string    `json:"command,omitempty"`
	TimeoutMs              int64       `json:"timeoutMs,omitempty"`
}

// Event is a single frame sent from the bridge to the coordinator.
type Event struct {
	Ev        EventType       `json:"ev"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	ExitCode  int             `json:"exitCode,omitempty"`
	Stdout    string          `json:"stdout,omitempty"`
	Stderr    string          `json:"stderr,omitempty"`
	Level     LogLevel        `json:"level,omitempty"`
	Text      string          `json:"text,omitempty"`
	TS        int64           `json:"ts,omitempty"`
}

// QueryCommand builds a query command frame.
func QueryCommand(sessionID, prompt, model string, includePartial bool) Command {
	return Command{
		Cmd:                    CmdQuery,
		SessionID:              sessionID,
		Prompt:                 prompt,
		Model:                  model,
		IncludePartialMessages: includePartial,
	}
}

// ResumeCommand builds a resume command frame (empty prompt, upstream SDK
// resumes its own session).
func ResumeCommand(sessionID string) Command {
	return Command{Cmd: CmdResume, SessionID: sessionID}
}

// InterruptCommand builds an interrupt command frame.
func InterruptCommand() Command {
	return Command{Cmd: CmdInterrupt}
}

// ShutdownCommand builds a shutdown command frame.
func ShutdownCommand() Command {
	return Command{Cmd: CmdShutdown}
}

// ExecCommand builds an exec command frame.
func ExecCommand(command []string, timeoutMs int64) Command {
	return Command{Cmd: CmdExec, Command: command, TimeoutMs: timeoutMs}
}

// ReadyEvent builds a ready event frame.
func ReadyEvent() Event { return Event{Ev: EvReady} }

// MessageEvent wraps an opaque upstream-SDK message as passthrough data.
// The coordinator must never reinterpret or reshape data on the wire.
func MessageEvent(data json.RawMessage) Event {
	return Event{Ev: EvMessage, Data: data}
}

// ErrorEvent builds an error event frame.
func ErrorEvent(msg string) Event { return Event{Ev: EvError, Error: msg} }

// DoneEvent builds a done event frame.
func DoneEvent(sessionID string) Event { return Event{Ev: EvDone, SessionID: sessionID} }

// ExecResultEvent builds an exec_result event frame.
func ExecResultEvent(exitCode int, stdout, stderr string) Event {
	return Event{Ev: EvExecResult, ExitCode: exitCode, Stdout: stdout, Stderr: stderr}
}

// LogEvent builds a log event frame.
func LogEvent(level LogLevel, text string, ts int64) Event {
	return Event{Ev: EvLog, Level: level, Text: text, TS: ts}
}
