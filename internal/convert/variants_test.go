package convert

import (
	"testing"

	"github.com/relaycore/relay-gateway/internal/types"
)

func f64(v float64) *float64 { return &v }

func TestCodexPatch_StripsSamplingParams(t *testing.T) {
	p := NewCodexPatch()
	req := &types.Request{
		Model:       "gpt-5",
		Temperature: f64(0.7),
		TopP:        f64(0.9),
		Stop:        []string{"END"},
		MaxTokens:   100,
	}
	if err := p.PatchRequest(req); err != nil {
		t.Fatalf("PatchRequest failed: %v", err)
	}
	if req.Temperature != nil || req.TopP != nil || req.Stop != nil {
		t.Errorf("sampling params not stripped: %+v", req)
	}
	if req.MaxTokens != 100 {
		t.Errorf("max tokens should survive: %d", req.MaxTokens)
	}
}

func TestAntigravityPatch_RestoresSignature(t *testing.T) {
	cache := NewSignatureCache()
	cache.Put("earlier thought", "sig-cached")
	p := NewAntigravityPatch(cache)

	req := &types.Request{
		Messages: []types.Message{
			{Role: types.RoleAssistant, Content: []types.ContentBlock{
				{Type: types.BlockThinking, Thinking: "earlier thought"},
				{Type: types.BlockText, Text: "reply"},
			}},
		},
	}
	if err := p.PatchRequest(req); err != nil {
		t.Fatalf("PatchRequest failed: %v", err)
	}

	content := req.Messages[0].Content
	if len(content) != 2 {
		t.Fatalf("blocks dropped unexpectedly: %+v", content)
	}
	if content[0].Signature != "sig-cached" {
		t.Errorf("signature not restored: %+v", content[0])
	}
}

func TestAntigravityPatch_DropsUnrecoverableThinking(t *testing.T) {
	p := NewAntigravityPatch(NewSignatureCache())

	req := &types.Request{
		Messages: []types.Message{
			{Role: types.RoleAssistant, Content: []types.ContentBlock{
				{Type: types.BlockThinking, Thinking: "never seen before"},
				{Type: types.BlockText, Text: "reply"},
			}},
		},
	}
	if err := p.PatchRequest(req); err != nil {
		t.Fatalf("PatchRequest failed: %v", err)
	}

	content := req.Messages[0].Content
	if len(content) != 1 || content[0].Type != types.BlockText {
		t.Errorf("unsigned thinking should be dropped: %+v", content)
	}
}

func TestAntigravityPatch_SignedThinkingKept(t *testing.T) {
	p := NewAntigravityPatch(NewSignatureCache())

	req := &types.Request{
		Messages: []types.Message{
			{Role: types.RoleAssistant, Content: []types.ContentBlock{
				{Type: types.BlockThinking, Thinking: "signed", Signature: "sig-orig"},
			}},
		},
	}
	if err := p.PatchRequest(req); err != nil {
		t.Fatalf("PatchRequest failed: %v", err)
	}
	if req.Messages[0].Content[0].Signature != "sig-orig" {
		t.Errorf("pre-signed thinking should pass through: %+v", req.Messages[0].Content)
	}
}

func TestAntigravityPatch_ResponseFeedsCache(t *testing.T) {
	cache := NewSignatureCache()
	p := NewAntigravityPatch(cache)

	resp := &types.Response{Content: []types.ContentBlock{
		{Type: types.BlockThinking, Thinking: "fresh thought", Signature: "sig-new"},
	}}
	if err := p.PatchResponse(resp); err != nil {
		t.Fatalf("PatchResponse failed: %v", err)
	}

	if sig, ok := cache.Get("fresh thought"); !ok || sig != "sig-new" {
		t.Errorf("response signature not cached: %q (%v)", sig, ok)
	}
}

func TestAntigravityPatch_UserMessagesUntouched(t *testing.T) {
	p := NewAntigravityPatch(NewSignatureCache())
	req := &types.Request{
		Messages: []types.Message{
			{Role: types.RoleUser, Content: []types.ContentBlock{
				{Type: types.BlockText, Text: "hello"},
			}},
		},
	}
	if err := p.PatchRequest(req); err != nil {
		t.Fatalf("PatchRequest failed: %v", err)
	}
	if len(req.Messages[0].Content) != 1 {
		t.Errorf("user content changed: %+v", req.Messages[0].Content)
	}
}
