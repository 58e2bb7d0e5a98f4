package convert

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/relaycore/relay-gateway/internal/types"
)

const anthropicVersion = "2023-06-01"

// ClaudeCodec speaks the Anthropic Messages API. The canonical model
// mirrors this family, so conversion is serialization plus validation.
type ClaudeCodec struct{}

func NewClaudeCodec() *ClaudeCodec { return &ClaudeCodec{} }

func (c *ClaudeCodec) Family() types.Family { return types.FamilyClaude }

func (c *ClaudeCodec) Path(model string, stream bool) string { return "/messages" }

func (c *ClaudeCodec) Authenticate(h http.Header, secret string) {
	h.Set("x-api-key", secret)
	h.Set("anthropic-version", anthropicVersion)
}

type claudeRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	System        json.RawMessage `json:"system,omitempty"`
	Messages      []claudeMessage `json:"messages"`
	Tools         []claudeTool    `json:"tools,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Thinking      *claudeThinking `json:"thinking,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeBlock struct {
	Type         string              `json:"type"`
	Text         string              `json:"text,omitempty"`
	Thinking     string              `json:"thinking,omitempty"`
	Signature    string              `json:"signature,omitempty"`
	ID           string              `json:"id,omitempty"`
	Name         string              `json:"name,omitempty"`
	Input        json.RawMessage     `json:"input,omitempty"`
	ToolUseID    string              `json:"tool_use_id,omitempty"`
	Content      json.RawMessage     `json:"content,omitempty"`
	IsError      bool                `json:"is_error,omitempty"`
	CacheControl *claudeCacheControl `json:"cache_control,omitempty"`
}

type claudeCacheControl struct {
	Type string `json:"type"`
	TTL  string `json:"ttl,omitempty"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type claudeThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

func (c *ClaudeCodec) DecodeRequest(data []byte) (*types.Request, error) {
	var wire claudeRequest
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errAt("", "invalid json: %v", err)
	}
	if wire.Model == "" {
		return nil, errAt("model", "required")
	}
	if len(wire.Messages) == 0 {
		return nil, errAt("messages", "required")
	}

	req := &types.Request{
		Model:       wire.Model,
		MaxTokens:   wire.MaxTokens,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		Stop:        wire.StopSequences,
		Stream:      wire.Stream,
	}
	if wire.Thinking != nil && wire.Thinking.Type == "enabled" {
		req.Thinking = &types.ThinkingConfig{BudgetTokens: wire.Thinking.BudgetTokens}
	}

	if len(wire.System) > 0 {
		sys, err := decodeClaudeText(wire.System, "system")
		if err != nil {
			return nil, err
		}
		req.System = sys
	}

	for i, m := range wire.Messages {
		path := fmt.Sprintf("messages[%d]", i)
		if !types.ValidRole(m.Role) {
			return nil, errAt(path+".role", "unknown role %q", m.Role)
		}
		blocks, err := decodeClaudeContent(m.Content, path+".content")
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, types.Message{Role: m.Role, Content: blocks})
	}

	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, types.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return req, nil
}

// decodeClaudeText accepts a string or an array of text blocks.
func decodeClaudeText(raw json.RawMessage, path string) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", errAt(path, "expected string or block array")
	}
	out := ""
	for _, b := range blocks {
		out += b.Text
	}
	return out, nil
}

func decodeClaudeContent(raw json.RawMessage, path string) ([]types.ContentBlock, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []types.ContentBlock{{Type: types.BlockText, Text: s}}, nil
	}

	var wire []claudeBlock
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, errAt(path, "expected string or block array")
	}

	var out []types.ContentBlock
	for j, b := range wire {
		bpath := fmt.Sprintf("%s[%d]", path, j)
		switch b.Type {
		case types.BlockText:
			out = append(out, types.ContentBlock{Type: types.BlockText, Text: b.Text})
		case types.BlockThinking:
			out = append(out, types.ContentBlock{
				Type:      types.BlockThinking,
				Thinking:  b.Thinking,
				Signature: b.Signature,
			})
		case types.BlockToolUse:
			if b.ID == "" || b.Name == "" {
				return nil, errAt(bpath, "tool_use requires id and name")
			}
			out = append(out, types.ContentBlock{
				Type:     types.BlockToolUse,
				ToolID:   b.ID,
				ToolName: b.Name,
				Input:    b.Input,
			})
		case types.BlockToolResult:
			if b.ToolUseID == "" {
				return nil, errAt(bpath+".tool_use_id", "required")
			}
			result, err := decodeClaudeText(b.Content, bpath+".content")
			if err != nil {
				return nil, err
			}
			out = append(out, types.ContentBlock{
				Type:      types.BlockToolResult,
				ToolUseID: b.ToolUseID,
				Result:    result,
				IsError:   b.IsError,
			})
		default:
			return nil, errAt(bpath+".type", "unknown block type %q", b.Type)
		}
	}
	return out, nil
}

func (c *ClaudeCodec) EncodeRequest(req *types.Request) ([]byte, error) {
	wire := claudeRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	if wire.MaxTokens == 0 {
		wire.MaxTokens = 4096 // the API requires max_tokens
	}
	if req.System != "" {
		sys, _ := json.Marshal(req.System)
		wire.System = sys
	}
	if req.Thinking != nil {
		wire.Thinking = &claudeThinking{Type: "enabled", BudgetTokens: req.Thinking.BudgetTokens}
	}

	for _, m := range req.Messages {
		blocks := encodeClaudeBlocks(m.Content)
		raw, err := json.Marshal(blocks)
		if err != nil {
			return nil, fmt.Errorf("marshal claude content: %w", err)
		}
		wire.Messages = append(wire.Messages, claudeMessage{Role: m.Role, Content: raw})
	}

	// Forced prompt-cache policy: tag the final block of the final
	// message so the whole prefix is cached upstream.
	if req.CacheTTL != "" && len(wire.Messages) > 0 {
		last := &wire.Messages[len(wire.Messages)-1]
		var blocks []claudeBlock
		if err := json.Unmarshal(last.Content, &blocks); err == nil && len(blocks) > 0 {
			cc := &claudeCacheControl{Type: "ephemeral"}
			if req.CacheTTL != "5m" {
				cc.TTL = req.CacheTTL
			}
			blocks[len(blocks)-1].CacheControl = cc
			raw, _ := json.Marshal(blocks)
			last.Content = raw
		}
	}

	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, claudeTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return json.Marshal(wire)
}

func encodeClaudeBlocks(content []types.ContentBlock) []claudeBlock {
	var out []claudeBlock
	for _, b := range content {
		switch b.Type {
		case types.BlockThinking:
			out = append(out, claudeBlock{
				Type:      types.BlockThinking,
				Thinking:  b.Thinking,
				Signature: b.Signature,
			})
		case types.BlockToolUse:
			input := b.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			out = append(out, claudeBlock{
				Type:  types.BlockToolUse,
				ID:    b.ToolID,
				Name:  b.ToolName,
				Input: input,
			})
		case types.BlockToolResult:
			result, _ := json.Marshal(b.Result)
			out = append(out, claudeBlock{
				Type:      types.BlockToolResult,
				ToolUseID: b.ToolUseID,
				Content:   result,
				IsError:   b.IsError,
			})
		default:
			out = append(out, claudeBlock{Type: types.BlockText, Text: b.Text})
		}
	}
	return out
}

type claudeResponse struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Role       string        `json:"role,omitempty"`
	Model      string        `json:"model"`
	Content    []claudeBlock `json:"content"`
	StopReason string        `json:"stop_reason,omitempty"`
	Usage      *claudeUsage  `json:"usage,omitempty"`
	Error      *claudeError  `json:"error,omitempty"`
}

type claudeUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (c *ClaudeCodec) DecodeResponse(data []byte) (*types.Response, error) {
	var wire claudeResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errAt("", "invalid json: %v", err)
	}
	if wire.Error != nil {
		return nil, fmt.Errorf("upstream error %s: %s", wire.Error.Type, wire.Error.Message)
	}

	resp := &types.Response{
		ID:         wire.ID,
		Model:      wire.Model,
		Role:       types.RoleAssistant,
		StopReason: wire.StopReason,
	}
	for j, b := range wire.Content {
		switch b.Type {
		case types.BlockText:
			resp.Content = append(resp.Content, types.ContentBlock{Type: types.BlockText, Text: b.Text})
		case types.BlockThinking:
			resp.Content = append(resp.Content, types.ContentBlock{
				Type: types.BlockThinking, Thinking: b.Thinking, Signature: b.Signature,
			})
		case types.BlockToolUse:
			resp.Content = append(resp.Content, types.ContentBlock{
				Type: types.BlockToolUse, ToolID: b.ID, ToolName: b.Name, Input: b.Input,
			})
		default:
			return nil, errAt(fmt.Sprintf("content[%d].type", j), "unknown block type %q", b.Type)
		}
	}
	if wire.Usage != nil {
		resp.Usage = types.Usage{
			InputTokens:         wire.Usage.InputTokens,
			OutputTokens:        wire.Usage.OutputTokens,
			CacheReadTokens:     wire.Usage.CacheReadInputTokens,
			CacheCreationTokens: wire.Usage.CacheCreationInputTokens,
		}
	}
	return resp, nil
}

func (c *ClaudeCodec) EncodeResponse(resp *types.Response) ([]byte, error) {
	wire := claudeResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       types.RoleAssistant,
		Model:      resp.Model,
		StopReason: resp.StopReason,
		Content:    encodeClaudeBlocks(resp.Content),
		Usage: &claudeUsage{
			InputTokens:              resp.Usage.InputTokens,
			OutputTokens:             resp.Usage.OutputTokens,
			CacheReadInputTokens:     resp.Usage.CacheReadTokens,
			CacheCreationInputTokens: resp.Usage.CacheCreationTokens,
		},
	}
	if wire.Content == nil {
		wire.Content = []claudeBlock{}
	}
	return json.Marshal(wire)
}
