package convert

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/relaycore/relay-gateway/internal/types"
)

// GeminiCodec speaks the Gemini generateContent API.
type GeminiCodec struct{}

func NewGeminiCodec() *GeminiCodec { return &GeminiCodec{} }

func (c *GeminiCodec) Family() types.Family { return types.FamilyGemini }

func (c *GeminiCodec) Path(model string, stream bool) string {
	if stream {
		return "/models/" + model + ":streamGenerateContent?alt=sse"
	}
	return "/models/" + model + ":generateContent"
}

func (c *GeminiCodec) Authenticate(h http.Header, secret string) {
	h.Set("x-goog-api-key", secret)
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Tools             []geminiToolSet `json:"tools,omitempty"`
	GenerationConfig  *geminiGenCfg   `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	Thought          bool            `json:"thought,omitempty"`
	ThoughtSignature string          `json:"thoughtSignature,omitempty"`
	FunctionCall     *geminiFnCall   `json:"functionCall,omitempty"`
	FunctionResponse *geminiFnResult `json:"functionResponse,omitempty"`
}

type geminiFnCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFnResult struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

type geminiToolSet struct {
	FunctionDeclarations []struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"functionDeclarations"`
}

type geminiGenCfg struct {
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *geminiThinkCfg `json:"thinkingConfig,omitempty"`
}

type geminiThinkCfg struct {
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
}

// geminiCallID builds the deterministic tool id for the nth function
// call in a conversation. Gemini carries no ids on the wire, so both
// directions derive the same id from name and position.
func geminiCallID(name string, ordinal int) string {
	return fmt.Sprintf("%s-%d", name, ordinal)
}

func (c *GeminiCodec) DecodeRequest(data []byte) (*types.Request, error) {
	var wire geminiRequest
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errAt("", "invalid json: %v", err)
	}
	if len(wire.Contents) == 0 {
		return nil, errAt("contents", "required")
	}

	req := &types.Request{}
	if wire.SystemInstruction != nil {
		for _, p := range wire.SystemInstruction.Parts {
			req.System += p.Text
		}
	}
	if cfg := wire.GenerationConfig; cfg != nil {
		req.MaxTokens = cfg.MaxOutputTokens
		req.Temperature = cfg.Temperature
		req.TopP = cfg.TopP
		req.Stop = cfg.StopSequences
		if tc := cfg.ThinkingConfig; tc != nil && tc.IncludeThoughts {
			req.Thinking = &types.ThinkingConfig{BudgetTokens: tc.ThinkingBudget}
		}
	}

	calls := 0
	results := 0
	for i, content := range wire.Contents {
		path := fmt.Sprintf("contents[%d]", i)
		role := types.RoleUser
		if content.Role == "model" {
			role = types.RoleAssistant
		} else if content.Role != "" && content.Role != "user" {
			return nil, errAt(path+".role", "unknown role %q", content.Role)
		}

		var blocks []types.ContentBlock
		for j, p := range content.Parts {
			switch {
			case p.FunctionCall != nil:
				if p.FunctionCall.Name == "" {
					return nil, errAt(fmt.Sprintf("%s.parts[%d].functionCall.name", path, j), "required")
				}
				input := p.FunctionCall.Args
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, types.ContentBlock{
					Type:     types.BlockToolUse,
					ToolID:   geminiCallID(p.FunctionCall.Name, calls),
					ToolName: p.FunctionCall.Name,
					Input:    input,
				})
				calls++
			case p.FunctionResponse != nil:
				if p.FunctionResponse.Name == "" {
					return nil, errAt(fmt.Sprintf("%s.parts[%d].functionResponse.name", path, j), "required")
				}
				blocks = append(blocks, types.ContentBlock{
					Type:      types.BlockToolResult,
					ToolUseID: geminiCallID(p.FunctionResponse.Name, results),
					Result:    string(p.FunctionResponse.Response),
				})
				results++
			case p.Thought:
				blocks = append(blocks, types.ContentBlock{
					Type:      types.BlockThinking,
					Thinking:  p.Text,
					Signature: p.ThoughtSignature,
				})
			default:
				blocks = append(blocks, types.ContentBlock{Type: types.BlockText, Text: p.Text})
			}
		}
		req.Messages = append(req.Messages, types.Message{Role: role, Content: blocks})
	}

	for _, ts := range wire.Tools {
		for _, fd := range ts.FunctionDeclarations {
			req.Tools = append(req.Tools, types.Tool{
				Name:        fd.Name,
				Description: fd.Description,
				InputSchema: fd.Parameters,
			})
		}
	}
	return req, nil
}

func (c *GeminiCodec) EncodeRequest(req *types.Request) ([]byte, error) {
	wire := geminiRequest{}
	if req.System != "" {
		wire.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	cfg := &geminiGenCfg{
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		StopSequences:   req.Stop,
	}
	if req.Thinking != nil {
		cfg.ThinkingConfig = &geminiThinkCfg{IncludeThoughts: true, ThinkingBudget: req.Thinking.BudgetTokens}
	}
	wire.GenerationConfig = cfg

	// tool_use ids carry the tool name, so functionResponse can name
	// its function without a lookup across turns
	idName := make(map[string]string)
	for _, m := range req.Messages {
		role := "user"
		if m.Role == types.RoleAssistant {
			role = "model"
		}
		var parts []geminiPart
		for _, b := range m.Content {
			switch b.Type {
			case types.BlockText:
				parts = append(parts, geminiPart{Text: b.Text})
			case types.BlockThinking:
				parts = append(parts, geminiPart{Text: b.Thinking, Thought: true, ThoughtSignature: b.Signature})
			case types.BlockToolUse:
				idName[b.ToolID] = b.ToolName
				parts = append(parts, geminiPart{FunctionCall: &geminiFnCall{Name: b.ToolName, Args: b.Input}})
			case types.BlockToolResult:
				name := idName[b.ToolUseID]
				if name == "" {
					return nil, errAt("messages", "tool_result %q has no matching tool_use", b.ToolUseID)
				}
				resp, err := geminiFnResponse(b.Result)
				if err != nil {
					return nil, err
				}
				parts = append(parts, geminiPart{FunctionResponse: &geminiFnResult{Name: name, Response: resp}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		wire.Contents = append(wire.Contents, geminiContent{Role: role, Parts: parts})
	}

	if len(req.Tools) > 0 {
		ts := geminiToolSet{}
		for _, t := range req.Tools {
			ts.FunctionDeclarations = append(ts.FunctionDeclarations, struct {
				Name        string          `json:"name"`
				Description string          `json:"description,omitempty"`
				Parameters  json.RawMessage `json:"parameters,omitempty"`
			}{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
		}
		wire.Tools = []geminiToolSet{ts}
	}
	return json.Marshal(wire)
}

// geminiFnResponse wraps a tool result as a JSON object. Plain text
// results are wrapped in {"output": ...} as the API requires an object.
func geminiFnResponse(result string) (json.RawMessage, error) {
	trimmed := json.RawMessage(result)
	if json.Valid(trimmed) && len(trimmed) > 0 && trimmed[0] == '{' {
		return trimmed, nil
	}
	out, err := json.Marshal(map[string]string{"output": result})
	if err != nil {
		return nil, errAt("", "encode function response: %v", err)
	}
	return out, nil
}

type geminiResponse struct {
	ResponseID string `json:"responseId,omitempty"`
	ModelVer   string `json:"modelVersion,omitempty"`
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
	} `json:"candidates"`
	UsageMetadata *geminiUsage `json:"usageMetadata,omitempty"`
	Error         *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
	TotalTokenCount         int `json:"totalTokenCount,omitempty"`
}

func (c *GeminiCodec) DecodeResponse(data []byte) (*types.Response, error) {
	var wire geminiResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errAt("", "invalid json: %v", err)
	}
	if wire.Error != nil {
		return nil, fmt.Errorf("upstream error %s: %s", wire.Error.Status, wire.Error.Message)
	}
	if len(wire.Candidates) == 0 {
		return nil, errAt("candidates", "empty")
	}

	cand := wire.Candidates[0]
	resp := &types.Response{
		ID:         wire.ResponseID,
		Model:      wire.ModelVer,
		Role:       types.RoleAssistant,
		StopReason: geminiStopToCanonical(cand.FinishReason),
	}
	calls := 0
	for _, p := range cand.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			input := p.FunctionCall.Args
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			resp.Content = append(resp.Content, types.ContentBlock{
				Type:     types.BlockToolUse,
				ToolID:   geminiCallID(p.FunctionCall.Name, calls),
				ToolName: p.FunctionCall.Name,
				Input:    input,
			})
			calls++
		case p.Thought:
			resp.Content = append(resp.Content, types.ContentBlock{
				Type:      types.BlockThinking,
				Thinking:  p.Text,
				Signature: p.ThoughtSignature,
			})
		case p.Text != "":
			resp.Content = append(resp.Content, types.ContentBlock{Type: types.BlockText, Text: p.Text})
		}
	}
	if calls > 0 && resp.StopReason == types.StopEndTurn {
		resp.StopReason = types.StopToolUse
	}

	if u := wire.UsageMetadata; u != nil {
		resp.Usage = types.Usage{
			InputTokens:     u.PromptTokenCount,
			OutputTokens:    u.CandidatesTokenCount + u.ThoughtsTokenCount,
			CacheReadTokens: u.CachedContentTokenCount,
		}
	}
	return resp, nil
}

func (c *GeminiCodec) EncodeResponse(resp *types.Response) ([]byte, error) {
	content := geminiContent{Role: "model"}
	for _, b := range resp.Content {
		switch b.Type {
		case types.BlockText:
			content.Parts = append(content.Parts, geminiPart{Text: b.Text})
		case types.BlockThinking:
			content.Parts = append(content.Parts, geminiPart{Text: b.Thinking, Thought: true, ThoughtSignature: b.Signature})
		case types.BlockToolUse:
			content.Parts = append(content.Parts, geminiPart{FunctionCall: &geminiFnCall{Name: b.ToolName, Args: b.Input}})
		}
	}

	out := map[string]any{
		"responseId":   resp.ID,
		"modelVersion": resp.Model,
		"candidates": []map[string]any{{
			"content":      content,
			"finishReason": canonicalStopToGemini(resp.StopReason),
			"index":        0,
		}},
		"usageMetadata": geminiUsageFrom(resp.Usage),
	}
	return json.Marshal(out)
}

func geminiUsageFrom(u types.Usage) *geminiUsage {
	return &geminiUsage{
		PromptTokenCount:        u.InputTokens,
		CandidatesTokenCount:    u.OutputTokens,
		CachedContentTokenCount: u.CacheReadTokens,
		TotalTokenCount:         u.Total(),
	}
}

func geminiStopToCanonical(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return types.StopMaxTokens
	case "SAFETY", "RECITATION", "BLOCKLIST":
		return types.StopStopSequence
	default:
		return types.StopEndTurn
	}
}

func canonicalStopToGemini(reason string) string {
	switch reason {
	case types.StopMaxTokens:
		return "MAX_TOKENS"
	default:
		return "STOP"
	}
}
