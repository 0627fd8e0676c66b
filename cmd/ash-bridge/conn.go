package main

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ash/internal/common/logger"
	"github.com/kandev/ash/pkg/bridgeproto"
)

// conn serves one accepted socket connection: ready on accept, then commands
// in order, with interrupt/shutdown able to cut across an in-flight query.
// A bridge process expects exactly one long-lived connection from its
// sandbox manager, but nothing here assumes that beyond the at-most-one-
// query rule, which is scoped to the connection.
type conn struct {
	nc           net.Conn
	enc          *bridgeproto.Encoder
	dec          *bridgeproto.Decoder
	agent        UpstreamAgent
	systemPrompt string
	workspaceDir string
	logger       *logger.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	inFlight  bool
	cancelRun context.CancelFunc
}

func newConn(nc net.Conn, agent UpstreamAgent, systemPrompt, workspaceDir string, log *logger.Logger) *conn {
	return &conn{
		nc:           nc,
		enc:          bridgeproto.NewEncoder(nc),
		dec:          bridgeproto.NewDecoder(nc),
		agent:        agent,
		systemPrompt: systemPrompt,
		workspaceDir: workspaceDir,
		logger:       log,
	}
}

// serve runs until the peer disconnects or a shutdown command closes the
// socket; shutdown is signalled back to main via the returned bool.
func (c *conn) serve() (shutdown bool) {
	defer c.nc.Close()

	if err := c.writeEvent(bridgeproto.ReadyEvent()); err != nil {
		c.logger.Warn("failed to send ready event", zap.Error(err))
		return false
	}

	for {
		cmd, err := c.dec.NextCommand()
		if err != nil {
			return false
		}

		switch cmd.Cmd {
		case bridgeproto.CmdQuery, bridgeproto.CmdResume:
			c.handleRun(cmd)
		case bridgeproto.CmdInterrupt:
			c.handleInterrupt()
		case bridgeproto.CmdExec:
			c.handleExec(cmd)
		case bridgeproto.CmdShutdown:
			c.handleInterrupt()
			return true
		default:
			_ = c.writeEvent(bridgeproto.ErrorEvent(fmt.Sprintf("unknown command %q", cmd.Cmd)))
		}
	}
}

// handleRun starts a query or resume in the background so the connection's
// read loop stays free to observe a subsequent interrupt or shutdown.
// Concurrent queries on one connection are rejected rather than queued,
// matching the at-most-one-in-flight rule.
func (c *conn) handleRun(cmd bridgeproto.Command) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		_ = c.writeEvent(bridgeproto.ErrorEvent("a query is already in flight on this connection"))
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.inFlight = true
	c.cancelRun = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.inFlight = false
			c.cancelRun = nil
			c.mu.Unlock()
			cancel()
		}()

		err := c.agent.Run(runCtx, cmd, c.systemPrompt, c.workspaceDir, func(ev bridgeproto.Event) {
			_ = c.writeEvent(ev)
		})
		if err != nil && runCtx.Err() == nil {
			_ = c.writeEvent(bridgeproto.ErrorEvent(err.Error()))
		}
		_ = c.writeEvent(bridgeproto.DoneEvent(cmd.SessionID))
	}()
}

// handleInterrupt cancels the in-flight query, if any. done is still
// emitted by handleRun's goroutine once Run returns after observing ctx
// cancellation.
func (c *conn) handleInterrupt() {
	c.mu.Lock()
	cancel := c.cancelRun
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *conn) handleExec(cmd bridgeproto.Command) {
	timeout := time.Duration(cmd.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if len(cmd.Command) == 0 {
		_ = c.writeEvent(bridgeproto.ExecResultEvent(-1, "", "empty command"))
		return
	}

	execCmd := exec.CommandContext(ctx, cmd.Command[0], cmd.Command[1:]...)
	execCmd.Dir = c.workspaceDir

	var stdout, stderr strings.Builder
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	exitCode := 0
	if err := execCmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			stderr.WriteString(err.Error())
		}
	}

	_ = c.writeEvent(bridgeproto.ExecResultEvent(exitCode, stdout.String(), stderr.String()))
}

// writeEvent serializes writes to the socket; both the query goroutine's
// message frames and the connection loop's own frames share one encoder.
func (c *conn) writeEvent(ev bridgeproto.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.EncodeEvent(ev)
}
