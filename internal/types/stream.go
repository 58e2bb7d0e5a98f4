package types

// StreamEvent is one canonical streaming event. Upstream SSE payloads
// are decoded into this form and client-facing SSE is encoded from it,
// so the bridge and the dispatcher never touch family-specific event
// shapes.
type StreamEvent struct {
	Type string

	// content_start / content_delta / content_stop
	Index int
	Block *ContentBlock // content_start: the opened block (no payload yet)

	Delta     string
	DeltaKind string // "text", "thinking", "signature", "input_json"

	// message_start / message_delta
	ID         string
	Model      string
	StopReason string
	Usage      *Usage
}

const (
	EventMessageStart = "message_start"
	EventContentStart = "content_start"
	EventContentDelta = "content_delta"
	EventContentStop  = "content_stop"
	EventMessageDelta = "message_delta"
	EventMessageStop  = "message_stop"

	DeltaText      = "text"
	DeltaThinking  = "thinking"
	DeltaSignature = "signature"
	DeltaInputJSON = "input_json"
)

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventMessageStop
}
