package convert

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/relaycore/relay-gateway/internal/types"
)

func TestRegistryLookup_Identity(t *testing.T) {
	r := NewRegistry()

	conv, err := r.Lookup(types.FamilyClaude, types.FamilyClaude, "")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !conv.Identity() {
		t.Error("same family without variant should be identity")
	}

	conv, _ = r.Lookup(types.FamilyClaude, types.FamilyOpenAI, "")
	if conv.Identity() {
		t.Error("cross-family conversion is not identity")
	}

	r.RegisterPatch(NewCodexPatch())
	conv, _ = r.Lookup(types.FamilyOpenAI, types.FamilyOpenAI, VariantCodex)
	if conv.Identity() {
		t.Error("variant patch breaks identity even within a family")
	}
}

func TestRegistryLookup_UnknownFamily(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Lookup(types.Family("mistral"), types.FamilyClaude, ""); err == nil {
		t.Error("expected error for unknown source family")
	}
	if _, err := r.Codec(types.Family("mistral")); err == nil {
		t.Error("expected error for unknown codec family")
	}
}

func TestConversion_ClaudeToOpenAI(t *testing.T) {
	r := NewRegistry()
	conv, err := r.Lookup(types.FamilyClaude, types.FamilyOpenAI, "")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	req, err := conv.DecodeRequest([]byte(`{
		"model": "gpt-4o",
		"max_tokens": 256,
		"system": "be brief",
		"messages": [
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_1", "name": "lookup", "input": {"id": 7}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "found"}
			]}
		]
	}`))
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}

	out, err := conv.EncodeUpstreamRequest(req)
	if err != nil {
		t.Fatalf("EncodeUpstreamRequest failed: %v", err)
	}

	var wire openaiRequest
	if err := json.Unmarshal(out, &wire); err != nil {
		t.Fatalf("unmarshal upstream request: %v", err)
	}
	if wire.MaxCompletionTokens != 256 {
		t.Errorf("max tokens lost: %+v", wire)
	}
	if wire.Messages[0].Role != "system" {
		t.Errorf("system prompt not converted: %+v", wire.Messages[0])
	}
	var sawToolRole bool
	for _, m := range wire.Messages {
		if m.Role == "tool" && m.ToolCallID == "toolu_1" {
			sawToolRole = true
		}
	}
	if !sawToolRole {
		t.Errorf("tool_result should become a role:tool message: %s", out)
	}
}

func TestConversion_ResponseBackToClientFormat(t *testing.T) {
	r := NewRegistry()
	conv, _ := r.Lookup(types.FamilyClaude, types.FamilyOpenAI, "")

	resp, err := conv.DecodeUpstreamResponse([]byte(`{
		"id": "chatcmpl-1",
		"model": "gpt-4o",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 3, "completion_tokens": 1}
	}`))
	if err != nil {
		t.Fatalf("DecodeUpstreamResponse failed: %v", err)
	}

	out, err := conv.EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse failed: %v", err)
	}
	if !strings.Contains(string(out), `"type":"message"`) || !strings.Contains(string(out), `"input_tokens":3`) {
		t.Errorf("response not rendered in the claude format: %s", out)
	}
}

func TestConversion_PatchDoesNotMutateOriginal(t *testing.T) {
	r := NewRegistry()
	r.RegisterPatch(NewCodexPatch())
	conv, _ := r.Lookup(types.FamilyOpenAI, types.FamilyOpenAI, VariantCodex)

	req := &types.Request{
		Model:       "gpt-5",
		Temperature: f64(0.5),
		Messages: []types.Message{
			{Role: types.RoleUser, Content: []types.ContentBlock{{Type: types.BlockText, Text: "hi"}}},
		},
	}
	out, err := conv.EncodeUpstreamRequest(req)
	if err != nil {
		t.Fatalf("EncodeUpstreamRequest failed: %v", err)
	}

	if strings.Contains(string(out), "temperature") {
		t.Errorf("codex payload should not carry temperature: %s", out)
	}
	if req.Temperature == nil {
		t.Error("the caller's request must not be mutated by the patch")
	}
}
