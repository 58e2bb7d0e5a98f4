package convert

import (
	"fmt"
	"net/http"

	"github.com/relaycore/relay-gateway/internal/bridge"
	"github.com/relaycore/relay-gateway/internal/types"
)

// Error marks a request-shape problem found during conversion. It is
// fatal for the request: retrying on another candidate cannot fix a
// malformed payload.
type Error struct {
	Path string // offending field path, e.g. "messages[2].content[0].type"
	Msg  string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "conversion: " + e.Msg
	}
	return fmt.Sprintf("conversion: %s: %s", e.Path, e.Msg)
}

func errAt(path, format string, args ...any) error {
	return &Error{Path: path, Msg: fmt.Sprintf(format, args...)}
}

// Codec translates between one protocol family's wire format and the
// canonical model. All methods are pure over well-formed input.
type Codec interface {
	Family() types.Family

	DecodeRequest(data []byte) (*types.Request, error)
	EncodeRequest(req *types.Request) ([]byte, error)
	DecodeResponse(data []byte) (*types.Response, error)
	EncodeResponse(resp *types.Response) ([]byte, error)

	// DecodeStreamEvent translates one upstream SSE frame into zero or
	// more canonical events, carrying per-stream decode state in st.
	DecodeStreamEvent(f bridge.Frame, st *StreamState) ([]types.StreamEvent, error)
	// EncodeStreamEvent translates one canonical event into zero or
	// more client-facing SSE frames.
	EncodeStreamEvent(ev types.StreamEvent, st *StreamState) ([]bridge.Frame, error)

	// Path returns the request path below the endpoint base URL.
	Path(model string, stream bool) string
	// Authenticate applies the family's credential header convention.
	Authenticate(h http.Header, secret string)
}

// StreamState carries per-stream conversion state: message identity
// from the first chunk and the mapping of upstream deltas onto
// canonical content block indices.
type StreamState struct {
	MessageID string
	Model     string

	MessageStartSent bool
	Finished         bool

	Blocks    map[int]*BlockState
	NextIndex int

	// openai: delta tool_call index -> canonical block index
	ToolIndex map[int]int
	// gemini: count of function calls seen, feeds deterministic ids
	ToolCalls int
	// index of the currently open text block, -1 when none
	OpenText int
	// index of the currently open thinking block, -1 when none
	OpenThinking int
}

type BlockState struct {
	Type     string
	Open     bool
	ToolID   string
	ToolName string
	// accumulated input_json deltas, for encoders that ship calls whole
	Args string
}

func NewStreamState() *StreamState {
	return &StreamState{
		Blocks:       make(map[int]*BlockState),
		ToolIndex:    make(map[int]int),
		OpenText:     -1,
		OpenThinking: -1,
	}
}

// openBlock registers a new canonical block and returns its index.
func (st *StreamState) openBlock(typ string) int {
	idx := st.NextIndex
	st.NextIndex++
	st.Blocks[idx] = &BlockState{Type: typ, Open: true}
	return idx
}
