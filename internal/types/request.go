package types

import "encoding/json"

// Request is the canonical internal representation of a chat request.
// Client wire formats are decoded into this form, and upstream wire
// formats are encoded from it; all cross-family conversion happens
// through this type.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []Tool
	MaxTokens   int
	Temperature *float64
	TopP        *float64
	Stop        []string
	Stream      bool
	Thinking    *ThinkingConfig

	// CacheTTL is a prompt-cache hint ("5m" or "1h"), forced per-key
	// when the key is configured for it.
	CacheTTL string
}

type Message struct {
	Role    string
	Content []ContentBlock
}

// ContentBlock is one unit of message content. Exactly one of the
// payload fields is meaningful, indicated by Type.
type ContentBlock struct {
	Type string // "text", "thinking", "tool_use", "tool_result"

	Text string

	Thinking  string
	Signature string

	// tool_use
	ToolID   string
	ToolName string
	Input    json.RawMessage

	// tool_result
	ToolUseID string
	Result    string
	IsError   bool
}

type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

type ThinkingConfig struct {
	BudgetTokens int
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ValidRole reports whether r is a role the canonical model accepts.
func ValidRole(r string) bool {
	return r == RoleUser || r == RoleAssistant
}
