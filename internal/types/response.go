package types

// Response is the canonical internal representation of a completed
// chat response, independent of any provider wire format.
type Response struct {
	ID         string
	Model      string
	Role       string
	Content    []ContentBlock
	StopReason string
	Usage      Usage
}

// Canonical stop reasons.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopToolUse      = "tool_use"
	StopStopSequence = "stop_sequence"
)

type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
}

// Add accumulates counters from another usage record.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheReadTokens += o.CacheReadTokens
	u.CacheCreationTokens += o.CacheCreationTokens
}

func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}
