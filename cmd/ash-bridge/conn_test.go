package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kandev/ash/internal/common/logger"
	"github.com/kandev/ash/pkg/bridgeproto"
)

func newTestConnPair(t *testing.T, agent UpstreamAgent) (*conn, *bridgeproto.Encoder, *bridgeproto.Decoder) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })

	c := newConn(serverSide, agent, "be terse", t.TempDir(), logger.NewNop())
	return c, bridgeproto.NewEncoder(clientSide), bridgeproto.NewDecoder(clientSide)
}

func TestConnSendsReadyOnAccept(t *testing.T) {
	c, _, dec := newTestConnPair(t, &passthroughAgent{})
	go c.serve()

	ev, err := dec.NextEvent()
	if err != nil {
		t.Fatalf("NextEvent: %v", err)
	}
	if ev.Ev != bridgeproto.EvReady {
		t.Fatalf("first event = %q, want ready", ev.Ev)
	}
}

func TestConnQueryEmitsMessagesThenDone(t *testing.T) {
	c, enc, dec := newTestConnPair(t, &passthroughAgent{})
	go c.serve()

	if ev, err := dec.NextEvent(); err != nil || ev.Ev != bridgeproto.EvReady {
		t.Fatalf("ready: ev=%v err=%v", ev, err)
	}

	if err := enc.EncodeCommand(bridgeproto.QueryCommand("sess-1", "hello", "", false)); err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}

	sawDone := false
	messageCount := 0
	for i := 0; i < 10; i++ {
		ev, err := dec.NextEvent()
		if err != nil {
			t.Fatalf("NextEvent: %v", err)
		}
		switch ev.Ev {
		case bridgeproto.EvMessage:
			messageCount++
		case bridgeproto.EvDone:
			sawDone = true
		}
		if ev.Ev == bridgeproto.EvDone {
			break
		}
	}
	if !sawDone {
		t.Fatal("never saw a done event")
	}
	if messageCount == 0 {
		t.Fatal("expected at least one message event before done")
	}
}

func TestConnRejectsConcurrentQuery(t *testing.T) {
	blocking := &blockingAgent{started: make(chan struct{}), release: make(chan struct{})}
	c, enc, dec := newTestConnPair(t, blocking)
	go c.serve()

	if ev, err := dec.NextEvent(); err != nil || ev.Ev != bridgeproto.EvReady {
		t.Fatalf("ready: ev=%v err=%v", ev, err)
	}

	if err := enc.EncodeCommand(bridgeproto.QueryCommand("sess-1", "first", "", false)); err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	<-blocking.started

	if err := enc.EncodeCommand(bridgeproto.QueryCommand("sess-1", "second", "", false)); err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}

	ev, err := dec.NextEvent()
	if err != nil {
		t.Fatalf("NextEvent: %v", err)
	}
	if ev.Ev != bridgeproto.EvError {
		t.Fatalf("ev = %q, want error (rejected concurrent query)", ev.Ev)
	}

	close(blocking.release)
}

func TestConnInterruptEndsInFlightQueryWithDone(t *testing.T) {
	blocking := &blockingAgent{started: make(chan struct{}), release: make(chan struct{})}
	c, enc, dec := newTestConnPair(t, blocking)
	go c.serve()

	if ev, err := dec.NextEvent(); err != nil || ev.Ev != bridgeproto.EvReady {
		t.Fatalf("ready: ev=%v err=%v", ev, err)
	}
	if err := enc.EncodeCommand(bridgeproto.QueryCommand("sess-1", "first", "", false)); err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	<-blocking.started

	if err := enc.EncodeCommand(bridgeproto.InterruptCommand()); err != nil {
		t.Fatalf("EncodeCommand interrupt: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for done after interrupt")
		default:
		}
		ev, err := dec.NextEvent()
		if err != nil {
			t.Fatalf("NextEvent: %v", err)
		}
		if ev.Ev == bridgeproto.EvDone {
			return
		}
	}
}

func TestConnExecReturnsResult(t *testing.T) {
	c, enc, dec := newTestConnPair(t, &passthroughAgent{})
	go c.serve()

	if ev, err := dec.NextEvent(); err != nil || ev.Ev != bridgeproto.EvReady {
		t.Fatalf("ready: ev=%v err=%v", ev, err)
	}
	if err := enc.EncodeCommand(bridgeproto.ExecCommand([]string{"echo", "hi"}, 5000)); err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}

	ev, err := dec.NextEvent()
	if err != nil {
		t.Fatalf("NextEvent: %v", err)
	}
	if ev.Ev != bridgeproto.EvExecResult {
		t.Fatalf("ev = %q, want exec_result", ev.Ev)
	}
	if ev.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", ev.ExitCode)
	}
}

func TestConnShutdownClosesConnection(t *testing.T) {
	c, enc, dec := newTestConnPair(t, &passthroughAgent{})
	done := make(chan bool, 1)
	go func() { done <- c.serve() }()

	if ev, err := dec.NextEvent(); err != nil || ev.Ev != bridgeproto.EvReady {
		t.Fatalf("ready: ev=%v err=%v", ev, err)
	}
	if err := enc.EncodeCommand(bridgeproto.ShutdownCommand()); err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}

	select {
	case shutdown := <-done:
		if !shutdown {
			t.Fatal("serve() returned shutdown=false for a shutdown command")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve() never returned after shutdown")
	}
}

// blockingAgent blocks until release is closed, signalling started once its
// Run call has begun, used to exercise at-most-one-in-flight and interrupt
// handling deterministically. Each test constructs its own instance, so Run
// is only ever called once per blockingAgent.
type blockingAgent struct {
	started chan struct{}
	release chan struct{}
}

func (a *blockingAgent) Run(ctx context.Context, cmd bridgeproto.Command, systemPrompt, workspaceDir string, emit func(bridgeproto.Event)) error {
	close(a.started)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.release:
		return nil
	}
}
