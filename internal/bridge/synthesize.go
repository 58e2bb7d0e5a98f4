package bridge

import (
	"github.com/relaycore/relay-gateway/internal/types"
)

// Synthesize re-emits a synchronous response as a synthetic event
// sequence preserving the client's streaming contract: one message
// start, at least one content delta per logical block, then exactly
// one terminal event.
func Synthesize(resp *types.Response) []types.StreamEvent {
	inputUsage := types.Usage{
		InputTokens:         resp.Usage.InputTokens,
		CacheReadTokens:     resp.Usage.CacheReadTokens,
		CacheCreationTokens: resp.Usage.CacheCreationTokens,
	}
	events := []types.StreamEvent{{
		Type:  types.EventMessageStart,
		ID:    resp.ID,
		Model: resp.Model,
		Usage: &inputUsage,
	}}

	for i, block := range resp.Content {
		start := types.StreamEvent{Type: types.EventContentStart, Index: i}
		opened := types.ContentBlock{
			Type:     block.Type,
			ToolID:   block.ToolID,
			ToolName: block.ToolName,
		}
		start.Block = &opened
		events = append(events, start)

		switch block.Type {
		case types.BlockThinking:
			events = append(events, types.StreamEvent{
				Type: types.EventContentDelta, Index: i,
				DeltaKind: types.DeltaThinking, Delta: block.Thinking,
			})
			if block.Signature != "" {
				events = append(events, types.StreamEvent{
					Type: types.EventContentDelta, Index: i,
					DeltaKind: types.DeltaSignature, Delta: block.Signature,
				})
			}
		case types.BlockToolUse:
			events = append(events, types.StreamEvent{
				Type: types.EventContentDelta, Index: i,
				DeltaKind: types.DeltaInputJSON, Delta: string(block.Input),
			})
		default:
			events = append(events, types.StreamEvent{
				Type: types.EventContentDelta, Index: i,
				DeltaKind: types.DeltaText, Delta: block.Text,
			})
		}

		events = append(events, types.StreamEvent{Type: types.EventContentStop, Index: i})
	}

	outputUsage := types.Usage{OutputTokens: resp.Usage.OutputTokens}
	events = append(events,
		types.StreamEvent{
			Type:       types.EventMessageDelta,
			StopReason: resp.StopReason,
			Usage:      &outputUsage,
		},
		types.StreamEvent{Type: types.EventMessageStop},
	)
	return events
}
