package convert

import (
	"encoding/json"
	"fmt"

	"github.com/relaycore/relay-gateway/internal/bridge"
	"github.com/relaycore/relay-gateway/internal/types"
)

// Gemini streams full generateContent chunks over SSE. Each chunk may
// carry text deltas, whole function calls, a finish reason, or usage.
func (c *GeminiCodec) DecodeStreamEvent(f bridge.Frame, st *StreamState) ([]types.StreamEvent, error) {
	var wire geminiResponse
	if err := json.Unmarshal([]byte(f.Data), &wire); err != nil {
		return nil, nil
	}
	if wire.Error != nil {
		return nil, fmt.Errorf("upstream stream error %s: %s", wire.Error.Status, wire.Error.Message)
	}

	var out []types.StreamEvent
	if !st.MessageStartSent {
		st.MessageStartSent = true
		st.MessageID = wire.ResponseID
		st.Model = wire.ModelVer
		out = append(out, types.StreamEvent{
			Type:  types.EventMessageStart,
			ID:    wire.ResponseID,
			Model: wire.ModelVer,
			Usage: &types.Usage{},
		})
	}

	finished := false
	for _, cand := range wire.Candidates {
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				// function calls arrive whole: open, deliver, close
				if st.OpenText >= 0 || st.OpenThinking >= 0 {
					out = append(out, closeOpenBlocks(st)...)
				}
				idx := st.openBlock(types.BlockToolUse)
				args := string(p.FunctionCall.Args)
				if args == "" {
					args = "{}"
				}
				out = append(out,
					types.StreamEvent{
						Type:  types.EventContentStart,
						Index: idx,
						Block: &types.ContentBlock{
							Type:     types.BlockToolUse,
							ToolID:   geminiCallID(p.FunctionCall.Name, st.ToolCalls),
							ToolName: p.FunctionCall.Name,
						},
					},
					types.StreamEvent{Type: types.EventContentDelta, Index: idx, DeltaKind: types.DeltaInputJSON, Delta: args},
					types.StreamEvent{Type: types.EventContentStop, Index: idx},
				)
				st.Blocks[idx].Open = false
				st.ToolCalls++

			case p.Thought:
				if st.OpenThinking < 0 {
					if st.OpenText >= 0 {
						out = append(out, closeOpenBlocks(st)...)
					}
					st.OpenThinking = st.openBlock(types.BlockThinking)
					out = append(out, types.StreamEvent{
						Type:  types.EventContentStart,
						Index: st.OpenThinking,
						Block: &types.ContentBlock{Type: types.BlockThinking},
					})
				}
				if p.Text != "" {
					out = append(out, types.StreamEvent{Type: types.EventContentDelta, Index: st.OpenThinking, DeltaKind: types.DeltaThinking, Delta: p.Text})
				}
				if p.ThoughtSignature != "" {
					out = append(out, types.StreamEvent{Type: types.EventContentDelta, Index: st.OpenThinking, DeltaKind: types.DeltaSignature, Delta: p.ThoughtSignature})
				}

			case p.Text != "":
				if st.OpenText < 0 {
					if st.OpenThinking >= 0 {
						out = append(out, closeOpenBlocks(st)...)
					}
					st.OpenText = st.openBlock(types.BlockText)
					out = append(out, types.StreamEvent{
						Type:  types.EventContentStart,
						Index: st.OpenText,
						Block: &types.ContentBlock{Type: types.BlockText},
					})
				}
				out = append(out, types.StreamEvent{Type: types.EventContentDelta, Index: st.OpenText, DeltaKind: types.DeltaText, Delta: p.Text})
			}
		}

		if cand.FinishReason != "" {
			finished = true
			out = append(out, closeOpenBlocks(st)...)
			ev := types.StreamEvent{
				Type:       types.EventMessageDelta,
				StopReason: geminiStopToCanonical(cand.FinishReason),
			}
			if st.ToolCalls > 0 && ev.StopReason == types.StopEndTurn {
				ev.StopReason = types.StopToolUse
			}
			if wire.UsageMetadata != nil {
				u := wire.UsageMetadata
				ev.Usage = &types.Usage{
					InputTokens:     u.PromptTokenCount,
					OutputTokens:    u.CandidatesTokenCount + u.ThoughtsTokenCount,
					CacheReadTokens: u.CachedContentTokenCount,
				}
			}
			out = append(out, ev)
		}
	}

	if finished && !st.Finished {
		st.Finished = true
		out = append(out, types.StreamEvent{Type: types.EventMessageStop})
	}
	return out, nil
}

func (c *GeminiCodec) EncodeStreamEvent(ev types.StreamEvent, st *StreamState) ([]bridge.Frame, error) {
	switch ev.Type {
	case types.EventMessageStart:
		st.MessageID = ev.ID
		st.Model = ev.Model
		return nil, nil

	case types.EventContentStart:
		if ev.Block != nil {
			st.Blocks[ev.Index] = &BlockState{
				Type:     ev.Block.Type,
				Open:     true,
				ToolID:   ev.Block.ToolID,
				ToolName: ev.Block.ToolName,
			}
		}
		return nil, nil

	case types.EventContentDelta:
		switch ev.DeltaKind {
		case types.DeltaText:
			return geminiChunk(st, geminiPart{Text: ev.Delta}, "", nil)
		case types.DeltaThinking:
			return geminiChunk(st, geminiPart{Text: ev.Delta, Thought: true}, "", nil)
		case types.DeltaSignature:
			return geminiChunk(st, geminiPart{Thought: true, ThoughtSignature: ev.Delta}, "", nil)
		case types.DeltaInputJSON:
			// buffered until content_stop so the call ships whole
			bs := st.Blocks[ev.Index]
			if bs == nil {
				return nil, fmt.Errorf("input_json delta for unopened block %d", ev.Index)
			}
			bs.Args += ev.Delta
			return nil, nil
		}
		return nil, nil

	case types.EventContentStop:
		bs := st.Blocks[ev.Index]
		if bs == nil || bs.Type != types.BlockToolUse {
			return nil, nil
		}
		bs.Open = false
		args := json.RawMessage(bs.Args)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		return geminiChunk(st, geminiPart{FunctionCall: &geminiFnCall{Name: bs.ToolName, Args: args}}, "", nil)

	case types.EventMessageDelta:
		var usage *geminiUsage
		if ev.Usage != nil {
			usage = geminiUsageFrom(*ev.Usage)
		}
		return geminiChunk(st, geminiPart{}, canonicalStopToGemini(ev.StopReason), usage)

	case types.EventMessageStop:
		return nil, nil

	default:
		return nil, nil
	}
}

func geminiChunk(st *StreamState, part geminiPart, finish string, usage *geminiUsage) ([]bridge.Frame, error) {
	content := geminiContent{Role: "model"}
	if part.Text != "" || part.Thought || part.FunctionCall != nil {
		content.Parts = []geminiPart{part}
	}
	cand := map[string]any{"content": content, "index": 0}
	if finish != "" {
		cand["finishReason"] = finish
	}
	payload := map[string]any{
		"responseId":   st.MessageID,
		"modelVersion": st.Model,
		"candidates":   []map[string]any{cand},
	}
	if usage != nil {
		payload["usageMetadata"] = usage
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal stream chunk: %w", err)
	}
	return []bridge.Frame{{Data: string(data)}}, nil
}
