package convert

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaycore/relay-gateway/internal/bridge"
	"github.com/relaycore/relay-gateway/internal/types"
)

const openaiStreamDone = "[DONE]"

type openaiStreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role      string           `json:"role,omitempty"`
			Content   string           `json:"content,omitempty"`
			ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage,omitempty"`
}

func (c *OpenAICodec) DecodeStreamEvent(f bridge.Frame, st *StreamState) ([]types.StreamEvent, error) {
	data := strings.TrimSpace(f.Data)
	if data == "" {
		return nil, nil
	}
	if data == openaiStreamDone {
		if st.Finished {
			return nil, nil
		}
		st.Finished = true
		return []types.StreamEvent{{Type: types.EventMessageStop}}, nil
	}

	var wire openaiStreamChunk
	if err := json.Unmarshal([]byte(data), &wire); err != nil {
		return nil, nil
	}

	var out []types.StreamEvent
	if !st.MessageStartSent {
		st.MessageStartSent = true
		st.MessageID = wire.ID
		st.Model = wire.Model
		out = append(out, types.StreamEvent{
			Type:  types.EventMessageStart,
			ID:    wire.ID,
			Model: wire.Model,
			Usage: &types.Usage{},
		})
	}

	for _, choice := range wire.Choices {
		if choice.Delta.Content != "" {
			if st.OpenText < 0 {
				st.OpenText = st.openBlock(types.BlockText)
				out = append(out, types.StreamEvent{
					Type:  types.EventContentStart,
					Index: st.OpenText,
					Block: &types.ContentBlock{Type: types.BlockText},
				})
			}
			out = append(out, types.StreamEvent{
				Type:      types.EventContentDelta,
				Index:     st.OpenText,
				DeltaKind: types.DeltaText,
				Delta:     choice.Delta.Content,
			})
		}

		for _, tc := range choice.Delta.ToolCalls {
			tcIdx := 0
			if tc.Index != nil {
				tcIdx = *tc.Index
			}
			idx, known := st.ToolIndex[tcIdx]
			if !known {
				idx = st.openBlock(types.BlockToolUse)
				st.ToolIndex[tcIdx] = idx
				bs := st.Blocks[idx]
				bs.ToolID, bs.ToolName = tc.ID, tc.Function.Name
				out = append(out, types.StreamEvent{
					Type:  types.EventContentStart,
					Index: idx,
					Block: &types.ContentBlock{
						Type:     types.BlockToolUse,
						ToolID:   tc.ID,
						ToolName: tc.Function.Name,
					},
				})
			}
			if tc.Function.Arguments != "" {
				out = append(out, types.StreamEvent{
					Type:      types.EventContentDelta,
					Index:     idx,
					DeltaKind: types.DeltaInputJSON,
					Delta:     tc.Function.Arguments,
				})
			}
		}

		if choice.FinishReason != nil && *choice.FinishReason != "" {
			out = append(out, closeOpenBlocks(st)...)
			ev := types.StreamEvent{
				Type:       types.EventMessageDelta,
				StopReason: openaiStopToCanonical(*choice.FinishReason),
			}
			if wire.Usage != nil {
				ev.Usage = decodeOpenAIStreamUsage(wire.Usage)
			}
			out = append(out, ev)
		}
	}

	// the usage-only chunk sent after the final choice
	if len(wire.Choices) == 0 && wire.Usage != nil {
		out = append(out, types.StreamEvent{
			Type:  types.EventMessageDelta,
			Usage: decodeOpenAIStreamUsage(wire.Usage),
		})
	}
	return out, nil
}

func decodeOpenAIStreamUsage(u *openaiUsage) *types.Usage {
	usage := &types.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
	if d := u.PromptTokensDetails; d != nil {
		usage.CacheReadTokens = d.CachedTokens
	}
	return usage
}

func closeOpenBlocks(st *StreamState) []types.StreamEvent {
	var out []types.StreamEvent
	for idx := 0; idx < st.NextIndex; idx++ {
		bs := st.Blocks[idx]
		if bs != nil && bs.Open {
			bs.Open = false
			out = append(out, types.StreamEvent{Type: types.EventContentStop, Index: idx})
		}
	}
	st.OpenText = -1
	st.OpenThinking = -1
	return out
}

func (c *OpenAICodec) EncodeStreamEvent(ev types.StreamEvent, st *StreamState) ([]bridge.Frame, error) {
	switch ev.Type {
	case types.EventMessageStart:
		st.MessageID = ev.ID
		st.Model = ev.Model
		return openaiChunk(st, map[string]any{"role": types.RoleAssistant}, nil, nil)

	case types.EventContentStart:
		if ev.Block == nil || ev.Block.Type != types.BlockToolUse {
			return nil, nil
		}
		tcIdx := len(st.ToolIndex)
		st.ToolIndex[ev.Index] = tcIdx
		return openaiChunk(st, map[string]any{
			"tool_calls": []map[string]any{{
				"index": tcIdx,
				"id":    ev.Block.ToolID,
				"type":  "function",
				"function": map[string]any{
					"name":      ev.Block.ToolName,
					"arguments": "",
				},
			}},
		}, nil, nil)

	case types.EventContentDelta:
		switch ev.DeltaKind {
		case types.DeltaText:
			return openaiChunk(st, map[string]any{"content": ev.Delta}, nil, nil)
		case types.DeltaInputJSON:
			tcIdx, ok := st.ToolIndex[ev.Index]
			if !ok {
				return nil, fmt.Errorf("input_json delta for unopened block %d", ev.Index)
			}
			return openaiChunk(st, map[string]any{
				"tool_calls": []map[string]any{{
					"index":    tcIdx,
					"function": map[string]any{"arguments": ev.Delta},
				}},
			}, nil, nil)
		default:
			// thinking and signature deltas have no representation
			return nil, nil
		}

	case types.EventContentStop:
		return nil, nil

	case types.EventMessageDelta:
		reason := canonicalStopToOpenAI(ev.StopReason)
		var usage map[string]any
		if ev.Usage != nil {
			usage = openaiUsageFrom(*ev.Usage)
		}
		return openaiChunk(st, map[string]any{}, &reason, usage)

	case types.EventMessageStop:
		return []bridge.Frame{{Data: openaiStreamDone}}, nil

	default:
		return nil, nil
	}
}

func openaiChunk(st *StreamState, delta map[string]any, finish *string, usage map[string]any) ([]bridge.Frame, error) {
	payload := map[string]any{
		"id":      st.MessageID,
		"object":  "chat.completion.chunk",
		"model":   st.Model,
		"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finish}},
	}
	if usage != nil {
		payload["usage"] = usage
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal stream chunk: %w", err)
	}
	return []bridge.Frame{{Data: string(data)}}, nil
}
