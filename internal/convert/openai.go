package convert

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/relaycore/relay-gateway/internal/types"
)

// OpenAICodec speaks the OpenAI chat completions API.
type OpenAICodec struct{}

func NewOpenAICodec() *OpenAICodec { return &OpenAICodec{} }

func (c *OpenAICodec) Family() types.Family { return types.FamilyOpenAI }

func (c *OpenAICodec) Path(model string, stream bool) string { return "/chat/completions" }

func (c *OpenAICodec) Authenticate(h http.Header, secret string) {
	h.Set("Authorization", "Bearer "+secret)
}

type openaiRequest struct {
	Model               string          `json:"model"`
	Messages            []openaiMessage `json:"messages"`
	Tools               []openaiTool    `json:"tools,omitempty"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	StreamOptions       *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openaiToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

func (c *OpenAICodec) DecodeRequest(data []byte) (*types.Request, error) {
	var wire openaiRequest
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
		Stream:      wire.Stream,
	}
	if wire.MaxCompletionTokens > 0 {
		req.MaxTokens = wire.MaxCompletionTokens
	}
	if len(wire.Stop) > 0 {
		var one string
		if err := json.Unmarshal(wire.Stop, &one); err == nil {
			req.Stop = []string{one}
		} else if err := json.Unmarshal(wire.Stop, &req.Stop); err != nil {
			return nil, errAt("stop", "expected string or string array")
		}
	}

	for i, m := range wire.Messages {
		path := fmt.Sprintf("messages[%d]", i)
		switch m.Role {
		case "system", "developer":
			text, err := decodeOpenAIText(m.Content, path+".content")
			if err != nil {
				return nil, err
			}
			if req.System != "" {
				req.System += "\n"
			}
			req.System += text

		case "user":
			text, err := decodeOpenAIText(m.Content, path+".content")
			if err != nil {
				return nil, err
			}
			req.Messages = append(req.Messages, types.Message{
				Role:    types.RoleUser,
				Content: []types.ContentBlock{{Type: types.BlockText, Text: text}},
			})

		case "assistant":
			var blocks []types.ContentBlock
			if len(m.Content) > 0 {
				text, err := decodeOpenAIText(m.Content, path+".content")
				if err != nil {
					return nil, err
				}
				if text != "" {
					blocks = append(blocks, types.ContentBlock{Type: types.BlockText, Text: text})
				}
			}
			for j, tc := range m.ToolCalls {
				if tc.ID == "" || tc.Function.Name == "" {
					return nil, errAt(fmt.Sprintf("%s.tool_calls[%d]", path, j), "requires id and function.name")
				}
				blocks = append(blocks, types.ContentBlock{
					Type:     types.BlockToolUse,
					ToolID:   tc.ID,
					ToolName: tc.Function.Name,
					Input:    json.RawMessage(tc.Function.Arguments),
				})
			}
			req.Messages = append(req.Messages, types.Message{Role: types.RoleAssistant, Content: blocks})

		case "tool":
			if m.ToolCallID == "" {
				return nil, errAt(path+".tool_call_id", "required")
			}
			text, err := decodeOpenAIText(m.Content, path+".content")
			if err != nil {
				return nil, err
			}
			req.Messages = append(req.Messages, types.Message{
				Role: types.RoleUser,
				Content: []types.ContentBlock{{
					Type:      types.BlockToolResult,
					ToolUseID: m.ToolCallID,
					Result:    text,
				}},
			})

		default:
			return nil, errAt(path+".role", "unknown role %q", m.Role)
		}
	}

	for j, t := range wire.Tools {
		if t.Type != "function" || t.Function.Name == "" {
			return nil, errAt(fmt.Sprintf("tools[%d]", j), "expected function tool with a name")
		}
		req.Tools = append(req.Tools, types.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return req, nil
}

// decodeOpenAIText accepts a string or an array of content parts.
func decodeOpenAIText(raw json.RawMessage, path string) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", errAt(path, "expected string or content part array")
	}
	out := ""
	for _, p := range parts {
		out += p.Text
	}
	return out, nil
}

func (c *OpenAICodec) EncodeRequest(req *types.Request) ([]byte, error) {
	wire := openaiRequest{
		Model:               req.Model,
		MaxCompletionTokens: req.MaxTokens,
		Temperature:         req.Temperature,
		TopP:                req.TopP,
		Stream:              req.Stream,
	}
	if len(req.Stop) > 0 {
		stop, _ := json.Marshal(req.Stop)
		wire.Stop = stop
	}
	if req.Stream {
		wire.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}

	if req.System != "" {
		sys, _ := json.Marshal(req.System)
		wire.Messages = append(wire.Messages, openaiMessage{Role: "system", Content: sys})
	}

	for _, m := range req.Messages {
		text := ""
		var toolCalls []openaiToolCall
		var toolResults []openaiMessage
		for _, b := range m.Content {
			switch b.Type {
			case types.BlockText:
				text += b.Text
			case types.BlockThinking:
				// no native representation: dropped (optional content)
			case types.BlockToolUse:
				tc := openaiToolCall{ID: b.ToolID, Type: "function"}
				tc.Function.Name = b.ToolName
				tc.Function.Arguments = string(b.Input)
				if tc.Function.Arguments == "" {
					tc.Function.Arguments = "{}"
				}
				toolCalls = append(toolCalls, tc)
			case types.BlockToolResult:
				result, _ := json.Marshal(b.Result)
				toolResults = append(toolResults, openaiMessage{
					Role:       "tool",
					ToolCallID: b.ToolUseID,
					Content:    result,
				})
			}
		}

		// tool results become their own role:tool messages
		wire.Messages = append(wire.Messages, toolResults...)

		if text == "" && len(toolCalls) == 0 && len(toolResults) > 0 {
			continue
		}
		msg := openaiMessage{Role: m.Role, ToolCalls: toolCalls}
		content, _ := json.Marshal(text)
		msg.Content = content
		wire.Messages = append(wire.Messages, msg)
	}

	for _, t := range req.Tools {
		ot := openaiTool{Type: "function"}
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.InputSchema
		wire.Tools = append(wire.Tools, ot)
	}
	return json.Marshal(wire)
}

type openaiResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object,omitempty"`
	Created int64  `json:"created,omitempty"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type openaiUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

func (c *OpenAICodec) DecodeResponse(data []byte) (*types.Response, error) {
	var wire openaiResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errAt("", "invalid json: %v", err)
	}
	if wire.Error != nil {
		return nil, fmt.Errorf("upstream error %s: %s", wire.Error.Type, wire.Error.Message)
	}
	if len(wire.Choices) == 0 {
		return nil, errAt("choices", "empty")
	}

	choice := wire.Choices[0]
	resp := &types.Response{
		ID:         wire.ID,
		Model:      wire.Model,
		Role:       types.RoleAssistant,
		StopReason: openaiStopToCanonical(choice.FinishReason),
	}

	if len(choice.Message.Content) > 0 {
		text, err := decodeOpenAIText(choice.Message.Content, "choices[0].message.content")
		if err != nil {
			return nil, err
		}
		if text != "" {
			resp.Content = append(resp.Content, types.ContentBlock{Type: types.BlockText, Text: text})
		}
	}
	for j, tc := range choice.Message.ToolCalls {
		if tc.Function.Name == "" {
			return nil, errAt(fmt.Sprintf("choices[0].message.tool_calls[%d].function.name", j), "required")
		}
		input := json.RawMessage(tc.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		resp.Content = append(resp.Content, types.ContentBlock{
			Type:     types.BlockToolUse,
			ToolID:   tc.ID,
			ToolName: tc.Function.Name,
			Input:    input,
		})
	}

	if wire.Usage != nil {
		resp.Usage = types.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		}
		if d := wire.Usage.PromptTokensDetails; d != nil {
			resp.Usage.CacheReadTokens = d.CachedTokens
		}
	}
	return resp, nil
}

func (c *OpenAICodec) EncodeResponse(resp *types.Response) ([]byte, error) {
	msg := openaiMessage{Role: types.RoleAssistant}
	text := ""
	for _, b := range resp.Content {
		switch b.Type {
		case types.BlockText:
			text += b.Text
		case types.BlockToolUse:
			tc := openaiToolCall{ID: b.ToolID, Type: "function"}
			tc.Function.Name = b.ToolName
			tc.Function.Arguments = string(b.Input)
			msg.ToolCalls = append(msg.ToolCalls, tc)
		}
		// thinking blocks have no client representation here
	}
	content, _ := json.Marshal(text)
	msg.Content = content

	out := map[string]any{
		"id":      resp.ID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   resp.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": canonicalStopToOpenAI(resp.StopReason),
		}},
		"usage": openaiUsageFrom(resp.Usage),
	}
	return json.Marshal(out)
}

func openaiUsageFrom(u types.Usage) map[string]any {
	out := map[string]any{
		"prompt_tokens":     u.InputTokens,
		"completion_tokens": u.OutputTokens,
		"total_tokens":      u.Total(),
	}
	if u.CacheReadTokens > 0 {
		out["prompt_tokens_details"] = map[string]any{"cached_tokens": u.CacheReadTokens}
	}
	return out
}

func openaiStopToCanonical(reason string) string {
	switch reason {
	case "length":
		return types.StopMaxTokens
	case "tool_calls", "function_call":
		return types.StopToolUse
	case "content_filter":
		return types.StopStopSequence
	default:
		return types.StopEndTurn
	}
}

func canonicalStopToOpenAI(reason string) string {
	switch reason {
	case types.StopMaxTokens:
		return "length"
	case types.StopToolUse:
		return "tool_calls"
	default:
		return "stop"
	}
}
