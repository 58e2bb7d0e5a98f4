package convert

import (
	"testing"

	"github.com/relaycore/relay-gateway/internal/bridge"
	"github.com/relaycore/relay-gateway/internal/types"
)

func frame(data string) bridge.Frame {
	return bridge.Frame{Data: data}
}

// newTestAggregate folds events through the bridge aggregator, which is
// how the dispatcher consumes decoded streams for sync clients.
func newTestAggregate(events []types.StreamEvent) *types.Response {
	agg := bridge.NewAggregator()
	for _, ev := range events {
		agg.Feed(ev)
	}
	resp, err := agg.Result()
	if err != nil {
		panic(err)
	}
	return resp
}

func TestStreamState_OpenBlockIndices(t *testing.T) {
	st := NewStreamState()
	if idx := st.openBlock(types.BlockText); idx != 0 {
		t.Errorf("first block should be index 0, got %d", idx)
	}
	if idx := st.openBlock(types.BlockToolUse); idx != 1 {
		t.Errorf("second block should be index 1, got %d", idx)
	}
	if st.Blocks[1].Type != types.BlockToolUse || !st.Blocks[1].Open {
		t.Errorf("block state wrong: %+v", st.Blocks[1])
	}
}
