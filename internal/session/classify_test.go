package session

import (
	"encoding/json"
	"testing"

	"github.com/kandev/ash/pkg/apiv1"
)

func TestClassifyStreamEventTextDelta(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "stream_event",
		"event": {"content_block_delta": {"text_delta": "hello"}}
	}`)

	got := Classify(raw)
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Type != apiv1.EventTextDelta {
		t.Errorf("type = %q, want %q", got[0].Type, apiv1.EventTextDelta)
	}
	if got[0].Data["delta"] != "hello" {
		t.Errorf("delta = %v, want hello", got[0].Data["delta"])
	}
}

func TestClassifyStreamEventThinkingDelta(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "stream_event",
		"event": {"content_block_delta": {"thinking_delta": "reasoning..."}}
	}`)

	got := Classify(raw)
	if len(got) != 1 || got[0].Type != apiv1.EventThinkingDelta {
		t.Fatalf("got %+v, want single thinking_delta event", got)
	}
}

func TestClassifyAssistantContentBlocks(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "assistant",
		"content": [
			{"type": "text", "text": "hi"},
			{"type": "tool_use", "id": "t1", "name": "bash"},
			{"type": "thinking", "thinking": "let me see"},
			{"type": "image", "source": {}},
			{"type": "future_block_kind", "payload": "opaque"}
		]
	}`)

	got := Classify(raw)
	if len(got) != 5 {
		t.Fatalf("expected 5 events, got %d: %+v", len(got), got)
	}

	want := []apiv1.EventType{
		apiv1.EventText,
		apiv1.EventToolStart,
		apiv1.EventReasoning,
		apiv1.EventType("image"),
		apiv1.EventType("future_block_kind"),
	}
	for i, ev := range got {
		if ev.Type != want[i] {
			t.Errorf("event %d: type = %q, want %q", i, ev.Type, want[i])
		}
	}
}

func TestClassifyToolResultInUserMessage(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "user",
		"content": [
			{"type": "tool_use_result", "tool_use_id": "t1", "content": "ok", "is_error": false}
		]
	}`)

	got := Classify(raw)
	if len(got) != 1 || got[0].Type != apiv1.EventToolResult {
		t.Fatalf("got %+v, want single tool_result event", got)
	}
}

func TestClassifyResultMessage(t *testing.T) {
	raw := json.RawMessage(`{"type": "result", "num_turns": 3, "result": "done"}`)

	got := Classify(raw)
	if len(got) != 1 || got[0].Type != apiv1.EventTurnComplete {
		t.Fatalf("got %+v, want single turn_complete event", got)
	}
	if got[0].Data["numTurns"].(int) != 3 {
		t.Errorf("numTurns = %v, want 3", got[0].Data["numTurns"])
	}
}

func TestClassifyUnknownMessageType(t *testing.T) {
	raw := json.RawMessage(`{"type": "system_init"}`)
	if got := Classify(raw); got != nil {
		t.Errorf("expected nil for unrecognized message type, got %+v", got)
	}
}

func TestClassifyMalformedJSON(t *testing.T) {
	if got := Classify(json.RawMessage(`not json`)); got != nil {
		t.Errorf("expected nil for malformed JSON, got %+v", got)
	}
}

func TestIsFinalMessageType(t *testing.T) {
	cases := map[string]bool{
		"assistant":    true,
		"result":       true,
		"user":         false,
		"stream_event": false,
	}
	for msgType, want := range cases {
		if got := isFinalMessageType(msgType); got != want {
			t.Errorf("isFinalMessageType(%q) = %v, want %v", msgType, got, want)
		}
	}
}
