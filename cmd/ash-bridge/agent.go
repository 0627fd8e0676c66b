package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/kandev/ash/pkg/bridgeproto"
)

// UpstreamAgent drives one query/resume turn against whatever agent SDK is
// actually wired in. The real SDK and the agent program it talks to are an
// external collaborator's concern; this interface is the entire surface
// cmd/ash-bridge depends on, so it links and runs standalone against the
// debug implementation below.
type UpstreamAgent interface {
	// Run drives a single turn (query or resume) to completion, calling
	// emit for every upstream message. It returns when the turn is done
	// or ctx is cancelled (interrupt).
	Run(ctx context.Context, cmd bridgeproto.Command, systemPrompt, workspaceDir string, emit func(bridgeproto.Event)) error
}

// NewUpstreamAgent selects the upstream implementation. Only the debug
// passthrough is built, and it is always returned: ASH_USE_REAL_SDK is not
// read. Wiring a real SDK client is out of scope here.
func NewUpstreamAgent() UpstreamAgent {
	return &passthroughAgent{debugTiming: os.Getenv("ASH_DEBUG_TIMING") == "true"}
}

// passthroughAgent echoes the prompt back as a handful of message frames,
// simulating the shape of a real upstream stream without depending on one.
// Grounded on the teacher's mock-agent binary, which does the same thing
// over the claude-code stream-json protocol instead of bridgeproto.
type passthroughAgent struct {
	debugTiming bool
}

type passthroughMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (a *passthroughAgent) Run(ctx context.Context, cmd bridgeproto.Command, systemPrompt, workspaceDir string, emit func(bridgeproto.Event)) error {
	prompt := cmd.Prompt
	if cmd.Cmd == bridgeproto.CmdResume {
		prompt = "(resumed session, no new prompt)"
	}

	chunks := []passthroughMessage{
		{Type: "text", Text: fmt.Sprintf("received: %s", strings.TrimSpace(prompt))},
		{Type: "text", Text: fmt.Sprintf("workspace: %s", workspaceDir)},
		{Type: "text", Text: "done"},
	}

	for _, chunk := range chunks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if a.debugTiming {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(50+rand.Intn(150)) * time.Millisecond):
			}
		}

		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		emit(bridgeproto.MessageEvent(data))
	}
	return nil
}
