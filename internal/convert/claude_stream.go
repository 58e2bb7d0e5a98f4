package convert

import (
	"encoding/json"
	"fmt"

	"github.com/relaycore/relay-gateway/internal/bridge"
	"github.com/relaycore/relay-gateway/internal/types"
)

// claudeStreamEvent is the wire shape shared by all Messages API
// stream events.
type claudeStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index,omitempty"`
	Message *struct {
		ID    string       `json:"id"`
		Model string       `json:"model"`
		Usage *claudeUsage `json:"usage"`
	} `json:"message,omitempty"`
	ContentBlock *claudeBlock `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type,omitempty"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		Signature   string `json:"signature,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *claudeUsage `json:"usage,omitempty"`
	Error *claudeError `json:"error,omitempty"`
}

func (c *ClaudeCodec) DecodeStreamEvent(f bridge.Frame, st *StreamState) ([]types.StreamEvent, error) {
	var wire claudeStreamEvent
	if err := json.Unmarshal([]byte(f.Data), &wire); err != nil {
		// unparseable frames (keep-alive noise) are skipped
		return nil, nil
	}

	switch wire.Type {
	case "message_start":
		if wire.Message == nil {
			return nil, nil
		}
		st.MessageID = wire.Message.ID
		st.Model = wire.Message.Model
		ev := types.StreamEvent{
			Type:  types.EventMessageStart,
			ID:    wire.Message.ID,
			Model: wire.Message.Model,
		}
		if u := wire.Message.Usage; u != nil {
			ev.Usage = &types.Usage{
				InputTokens:         u.InputTokens,
				OutputTokens:        u.OutputTokens,
				CacheReadTokens:     u.CacheReadInputTokens,
				CacheCreationTokens: u.CacheCreationInputTokens,
			}
		}
		return []types.StreamEvent{ev}, nil

	case "content_block_start":
		ev := types.StreamEvent{Type: types.EventContentStart, Index: wire.Index}
		if cb := wire.ContentBlock; cb != nil {
			ev.Block = &types.ContentBlock{
				Type:     cb.Type,
				ToolID:   cb.ID,
				ToolName: cb.Name,
			}
		}
		return []types.StreamEvent{ev}, nil

	case "content_block_delta":
		if wire.Delta == nil {
			return nil, nil
		}
		ev := types.StreamEvent{Type: types.EventContentDelta, Index: wire.Index}
		switch wire.Delta.Type {
		case "text_delta":
			ev.DeltaKind, ev.Delta = types.DeltaText, wire.Delta.Text
		case "thinking_delta":
			ev.DeltaKind, ev.Delta = types.DeltaThinking, wire.Delta.Thinking
		case "signature_delta":
			ev.DeltaKind, ev.Delta = types.DeltaSignature, wire.Delta.Signature
		case "input_json_delta":
			ev.DeltaKind, ev.Delta = types.DeltaInputJSON, wire.Delta.PartialJSON
		default:
			return nil, nil
		}
		return []types.StreamEvent{ev}, nil

	case "content_block_stop":
		return []types.StreamEvent{{Type: types.EventContentStop, Index: wire.Index}}, nil

	case "message_delta":
		ev := types.StreamEvent{Type: types.EventMessageDelta}
		if wire.Delta != nil {
			ev.StopReason = wire.Delta.StopReason
		}
		if wire.Usage != nil {
			ev.Usage = &types.Usage{OutputTokens: wire.Usage.OutputTokens}
		}
		return []types.StreamEvent{ev}, nil

	case "message_stop":
		st.Finished = true
		return []types.StreamEvent{{Type: types.EventMessageStop}}, nil

	case "error":
		if wire.Error != nil {
			return nil, fmt.Errorf("upstream stream error %s: %s", wire.Error.Type, wire.Error.Message)
		}
		return nil, nil

	default:
		// ping and future event types
		return nil, nil
	}
}

func (c *ClaudeCodec) EncodeStreamEvent(ev types.StreamEvent, st *StreamState) ([]bridge.Frame, error) {
	switch ev.Type {
	case types.EventMessageStart:
		usage := &claudeUsage{}
		if ev.Usage != nil {
			usage.InputTokens = ev.Usage.InputTokens
			usage.CacheReadInputTokens = ev.Usage.CacheReadTokens
			usage.CacheCreationInputTokens = ev.Usage.CacheCreationTokens
		}
		payload := map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            ev.ID,
				"type":          "message",
				"role":          types.RoleAssistant,
				"model":         ev.Model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         usage,
			},
		}
		return claudeFrame("message_start", payload)

	case types.EventContentStart:
		block := map[string]any{"type": types.BlockText, "text": ""}
		if b := ev.Block; b != nil {
			switch b.Type {
			case types.BlockToolUse:
				block = map[string]any{"type": types.BlockToolUse, "id": b.ToolID, "name": b.ToolName, "input": map[string]any{}}
			case types.BlockThinking:
				block = map[string]any{"type": types.BlockThinking, "thinking": ""}
			}
		}
		return claudeFrame("content_block_start", map[string]any{
			"type": "content_block_start", "index": ev.Index, "content_block": block,
		})

	case types.EventContentDelta:
		var delta map[string]any
		switch ev.DeltaKind {
		case types.DeltaThinking:
			delta = map[string]any{"type": "thinking_delta", "thinking": ev.Delta}
		case types.DeltaSignature:
			delta = map[string]any{"type": "signature_delta", "signature": ev.Delta}
		case types.DeltaInputJSON:
			delta = map[string]any{"type": "input_json_delta", "partial_json": ev.Delta}
		default:
			delta = map[string]any{"type": "text_delta", "text": ev.Delta}
		}
		return claudeFrame("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": ev.Index, "delta": delta,
		})

	case types.EventContentStop:
		return claudeFrame("content_block_stop", map[string]any{
			"type": "content_block_stop", "index": ev.Index,
		})

	case types.EventMessageDelta:
		payload := map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": ev.StopReason, "stop_sequence": nil},
		}
		if ev.Usage != nil {
			payload["usage"] = map[string]any{"output_tokens": ev.Usage.OutputTokens}
		}
		return claudeFrame("message_delta", payload)

	case types.EventMessageStop:
		return claudeFrame("message_stop", map[string]any{"type": "message_stop"})

	default:
		return nil, nil
	}
}

func claudeFrame(event string, payload any) ([]bridge.Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", event, err)
	}
	return []bridge.Frame{{Event: event, Data: string(data)}}, nil
}
