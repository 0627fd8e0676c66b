package session

import (
	"encoding/json"

	"github.com/kandev/ash/pkg/apiv1"
)

// ClassifiedEvent is one granular event derived from a raw upstream
// message, deterministic and lossless: every upstream message also always
// produces the raw "message" event alongside whatever this classifies.
type ClassifiedEvent struct {
	Type apiv1.EventType
	Data map[string]interface{}
}

// rawMessage is the subset of an upstream SDK message's shape this layer
// inspects; everything else passes through opaque in Event.Data.
type rawMessage struct {
	Type    string                   `json:"type"`
	Event   map[string]interface{}   `json:"event"`
	Content []map[string]interface{} `json:"content"`
	NumTurns int                     `json:"num_turns"`
	Result  string                   `json:"result"`
}

// Classify walks an upstream message's raw JSON and returns zero or more
// granular events. Unknown block kinds pass through with their original
// kind string so new upstream features are forward-compatible.
func Classify(raw json.RawMessage) []ClassifiedEvent {
	var msg rawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}

	switch msg.Type {
	case "stream_event":
		return classifyStreamEvent(msg.Event)
	case "assistant":
		return classifyContentBlocks(msg.Content)
	case "user":
		return classifyToolResult(msg.Content)
	case "result":
		return []ClassifiedEvent{{
			Type: apiv1.EventTurnComplete,
			Data: map[string]interface{}{"numTurns": msg.NumTurns, "result": msg.Result},
		}}
	default:
		return nil
	}
}

func classifyStreamEvent(event map[string]interface{}) []ClassifiedEvent {
	if event == nil {
		return nil
	}
	block, _ := event["content_block_delta"].(map[string]interface{})
	if block == nil {
		return nil
	}
	if delta, ok := block["text_delta"]; ok {
		return []ClassifiedEvent{{Type: apiv1.EventTextDelta, Data: map[string]interface{}{"delta": delta}}}
	}
	if delta, ok := block["thinking_delta"]; ok {
		return []ClassifiedEvent{{Type: apiv1.EventThinkingDelta, Data: map[string]interface{}{"delta": delta}}}
	}
	return nil
}

func classifyContentBlocks(blocks []map[string]interface{}) []ClassifiedEvent {
	out := make([]ClassifiedEvent, 0, len(blocks))
	for _, b := range blocks {
		kind, _ := b["type"].(string)
		switch kind {
		case "text":
			out = append(out, ClassifiedEvent{Type: apiv1.EventText, Data: b})
		case "tool_use":
			out = append(out, ClassifiedEvent{Type: apiv1.EventToolStart, Data: b})
		case "tool_result":
			out = append(out, ClassifiedEvent{Type: apiv1.EventToolResult, Data: b})
		case "thinking":
			out = append(out, ClassifiedEvent{Type: apiv1.EventReasoning, Data: b})
		case "image":
			out = append(out, ClassifiedEvent{Type: apiv1.EventType(kind), Data: b})
		default:
			// Unknown block kind: pass through under its original kind
			// string so the caller can still persist/forward it.
			out = append(out, ClassifiedEvent{Type: apiv1.EventType(kind), Data: b})
		}
	}
	return out
}

func classifyToolResult(blocks []map[string]interface{}) []ClassifiedEvent {
	out := make([]ClassifiedEvent, 0, len(blocks))
	for _, b := range blocks {
		if kind, _ := b["type"].(string); kind == "tool_use_result" || kind == "tool_result" {
			out = append(out, ClassifiedEvent{Type: apiv1.EventToolResult, Data: b})
		}
	}
	return out
}

// isFinalMessageType reports whether an upstream message type should be
// persisted as a message row (assistant turns and final results).
func isFinalMessageType(msgType string) bool {
	return msgType == "assistant" || msgType == "result"
}
