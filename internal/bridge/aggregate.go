package bridge

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/relaycore/relay-gateway/internal/types"
)

// ErrTruncatedStream is returned by Aggregator.Result when the stream
// ended without a terminal event. A partial aggregation is never
// reported as success.
var ErrTruncatedStream = errors.New("stream ended before terminal event")

// Aggregator folds an ordered canonical event stream into one logical
// response: incremental content concatenated per block, usage counters
// summed across events, terminal metadata preserved.
type Aggregator struct {
	resp    types.Response
	blocks  map[int]*types.ContentBlock
	partial map[int]*strings.Builder // accumulated input_json per block
	order   []int
	done    bool
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		blocks:  make(map[int]*types.ContentBlock),
		partial: make(map[int]*strings.Builder),
	}
}

// Feed consumes the next event. Event order from the upstream is
// preserved when reconstructing combined content.
func (a *Aggregator) Feed(ev types.StreamEvent) {
	switch ev.Type {
	case types.EventMessageStart:
		a.resp.ID = ev.ID
		a.resp.Model = ev.Model
		a.resp.Role = types.RoleAssistant
		if ev.Usage != nil {
			a.resp.Usage.Add(*ev.Usage)
		}

	case types.EventContentStart:
		b := &types.ContentBlock{Type: types.BlockText}
		if ev.Block != nil {
			blk := *ev.Block
			b = &blk
		}
		if _, seen := a.blocks[ev.Index]; !seen {
			a.order = append(a.order, ev.Index)
		}
		a.blocks[ev.Index] = b

	case types.EventContentDelta:
		b, ok := a.blocks[ev.Index]
		if !ok {
			b = &types.ContentBlock{Type: types.BlockText}
			a.blocks[ev.Index] = b
			a.order = append(a.order, ev.Index)
		}
		switch ev.DeltaKind {
		case types.DeltaText:
			b.Text += ev.Delta
		case types.DeltaThinking:
			b.Type = types.BlockThinking
			b.Thinking += ev.Delta
		case types.DeltaSignature:
			b.Signature += ev.Delta
		case types.DeltaInputJSON:
			sb, ok := a.partial[ev.Index]
			if !ok {
				sb = &strings.Builder{}
				a.partial[ev.Index] = sb
			}
			sb.WriteString(ev.Delta)
		}

	case types.EventContentStop:
		a.sealBlock(ev.Index)

	case types.EventMessageDelta:
		if ev.StopReason != "" {
			a.resp.StopReason = ev.StopReason
		}
		if ev.Usage != nil {
			a.resp.Usage.Add(*ev.Usage)
		}

	case types.EventMessageStop:
		a.done = true
	}
}

func (a *Aggregator) sealBlock(index int) {
	b, ok := a.blocks[index]
	if !ok {
		return
	}
	if sb, ok := a.partial[index]; ok && sb.Len() > 0 {
		b.Input = json.RawMessage(sb.String())
	}
}

// Done reports whether the terminal event has been seen.
func (a *Aggregator) Done() bool { return a.done }

// Result returns the aggregated response, or ErrTruncatedStream when
// the upstream stream ended mid-message.
func (a *Aggregator) Result() (*types.Response, error) {
	if !a.done {
		return nil, ErrTruncatedStream
	}
	for idx := range a.blocks {
		a.sealBlock(idx)
	}
	sort.Ints(a.order)
	for _, idx := range a.order {
		a.resp.Content = append(a.resp.Content, *a.blocks[idx])
	}
	if a.resp.StopReason == "" {
		a.resp.StopReason = types.StopEndTurn
	}
	resp := a.resp
	return &resp, nil
}
