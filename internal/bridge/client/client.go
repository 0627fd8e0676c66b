// Package client is the coordinator-side counterpart to a sandbox's bridge
// process: it connects to the sandbox's local stream socket, waits for the
// initial ready event, and exposes fire-and-forget and streaming command
// dispatch on top of a single fan-in reader.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ash/internal/common/errors"
	"github.com/kandev/ash/internal/common/logger"
	"github.com/kandev/ash/pkg/bridgeproto"
)

// Client is the bridge client for a single sandbox socket connection.
type Client struct {
	conn net.Conn
	enc  *bridgeproto.Encoder
	dec  *bridgeproto.Decoder

	logger *logger.Logger

	mu        sync.Mutex
	listeners map[string]chan bridgeproto.Event // keyed by an opaque subscription id
	sending   bool                              // enforces at most one sendCommand at a time

	done chan struct{}
}

// Dial connects to the sandbox's socket at socketPath and waits up to
// readyTimeout for the ready event, returning BridgeUnready if it never
// arrives.
func Dial(ctx context.Context, socketPath string, readyTimeout time.Duration, sandboxID string, log *logger.Logger) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, errors.BridgeUnready(sandboxID)
	}

	c := &Client{
		conn:      conn,
		enc:       bridgeproto.NewEncoder(conn),
		dec:       bridgeproto.NewDecoder(conn),
		logger:    log.WithFields(zap.String("component", "bridge-client"), zap.String("sandbox_id", sandboxID)),
		listeners: make(map[string]chan bridgeproto.Event),
		done:      make(chan struct{}),
	}

	readyCh := make(chan struct {
		ev  bridgeproto.Event
		err error
	}, 1)
	go func() {
		ev, err := c.dec.NextEvent()
		readyCh <- struct {
			ev  bridgeproto.Event
			err error
		}{ev, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	case <-time.After(readyTimeout):
		conn.Close()
		return nil, errors.BridgeUnready(sandboxID)
	case result := <-readyCh:
		if result.err != nil || result.ev.Ev != bridgeproto.EvReady {
			conn.Close()
			return nil, errors.BridgeUnready(sandboxID)
		}
		go c.readLoop()
		return c, nil
	}
}

func (c *Client) readLoop() {
	for {
		ev, err := c.dec.NextEvent()
		if err != nil {
			c.fanOutClose()
			return
		}
		c.fanOut(ev)
	}
}

func (c *Client) fanOut(ev bridgeproto.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.listeners {
		select {
		case ch <- ev:
		default:
			c.logger.Warn("bridge event listener is not draining, dropping event", zap.String("ev", string(ev.Ev)))
		}
	}
}

func (c *Client) fanOutClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.listeners {
		close(ch)
	}
	c.listeners = make(map[string]chan bridgeproto.Event)
	close(c.done)
}

// WriteCommand is fire-and-forget, used for interrupt and shutdown.
func (c *Client) WriteCommand(cmd bridgeproto.Command) error {
	return c.enc.EncodeCommand(cmd)
}

// SendCommand streams events back until the first done or error event (both
// inclusive), delivering them on the returned channel. Only one SendCommand
// may be in flight per client at a time.
func (c *Client) SendCommand(ctx context.Context, cmd bridgeproto.Command) (<-chan bridgeproto.Event, error) {
	c.mu.Lock()
	if c.sending {
		c.mu.Unlock()
		return nil, fmt.Errorf("bridge client: a command is already in flight")
	}
	c.sending = true
	subID := fmt.Sprintf("send-%p", &cmd)
	listenCh := make(chan bridgeproto.Event, 32)
	c.listeners[subID] = listenCh
	c.mu.Unlock()

	out := make(chan bridgeproto.Event, 32)

	if err := c.enc.EncodeCommand(cmd); err != nil {
		c.deregister(subID)
		close(out)
		return out, err
	}

	go func() {
		defer close(out)
		defer c.deregister(subID)
		for {
			select {
			case ev, ok := <-listenCh:
				if !ok {
					return
				}
				out <- ev
				if ev.Ev == bridgeproto.EvDone || ev.Ev == bridgeproto.EvError {
					return
				}
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}
	}()

	return out, nil
}

func (c *Client) deregister(subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, subID)
	c.sending = false
}

// Close closes the underlying socket connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
