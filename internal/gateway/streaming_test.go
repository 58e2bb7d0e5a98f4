package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relaycore/relay-gateway/internal/auth"
	"github.com/relaycore/relay-gateway/internal/config"
	"github.com/relaycore/relay-gateway/internal/convert"
	"github.com/relaycore/relay-gateway/internal/envelope"
	"github.com/relaycore/relay-gateway/internal/registry"
	"github.com/relaycore/relay-gateway/internal/router"
	"github.com/relaycore/relay-gateway/internal/types"
)

// newTestHandler wires a real dispatcher against a single claude:chat
// endpoint pointed at upstreamURL.
func newTestHandler(t *testing.T, upstreamURL, streamPolicy string) *Handler {
	t.Helper()

	cfg := config.DefaultConfig()
	cfgFn := func() *config.Config { return cfg }
	routingFn := func() config.RoutingConfig { return cfg.Routing }
	modeFn := func() config.SchedulingMode { return cfg.Routing.SchedulingMode }

	reg := registry.New()
	reg.Replace(
		[]*registry.Provider{{ID: "test-provider", Priority: 0, Active: true}},
		[]*registry.Endpoint{{
			ID:           "test-provider/claude-chat",
			ProviderID:   "test-provider",
			Signature:    types.Signature{Family: types.FamilyClaude, Kind: types.KindChat},
			BaseURL:      upstreamURL,
			StreamPolicy: streamPolicy,
			Active:       true,
		}},
		[]*registry.Key{{
			ID:         "test-provider/key-0",
			EndpointID: "test-provider/claude-chat",
			Secret:     "sk-test",
			Enabled:    true,
		}},
	)

	avail := router.NewAvailabilityTable(routingFn)
	health := router.NewHealthTracker()
	conv := convert.NewRegistry()

	dispatcher := router.NewDispatcher(router.DispatcherOptions{
		Registry:  reg,
		Selector:  router.NewSelector(modeFn, avail, health),
		Health:    health,
		Avail:     avail,
		Convert:   conv,
		Envelopes: envelope.NewRegistry(),
	})

	return NewHandler(dispatcher, conv, cfgFn)
}

func authedRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	info := &auth.AuthInfo{KeyID: "key-1", OrganizationID: "org-1"}
	return req.WithContext(auth.ContextWithAuth(req.Context(), info))
}

func writeSSE(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func TestHandleStream_ClaudeRelay(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "sk-test" {
			t.Errorf("expected upstream auth header, got %q", r.Header.Get("x-api-key"))
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Error("expected stream:true on upstream request")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, "message_start", `{"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4","usage":{"input_tokens":10}}}`)
		writeSSE(w, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
		writeSSE(w, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`)
		writeSSE(w, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`)
		writeSSE(w, "content_block_stop", `{"type":"content_block_stop","index":0}`)
		writeSSE(w, "message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`)
		writeSSE(w, "message_stop", `{"type":"message_stop"}`)
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL, "")

	req := authedRequest(http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet-4","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-ID", "req-stream-1")

	h.Messages(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", ct)
	}

	out := rec.Body.String()
	for _, want := range []string{
		"event: message_start",
		`"text":"Hello"`,
		`"text":" world"`,
		`"stop_reason":"end_turn"`,
		"event: message_stop",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("stream output missing %q:\n%s", want, out)
		}
	}
}

func TestHandleStream_UpstreamRejection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad model"}}`, http.StatusBadRequest)
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL, "")

	req := authedRequest(http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet-4","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-ID", "req-stream-2")

	h.Messages(rec, req)

	// no frame ever went out, so the client gets a JSON error
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json error body, got %q", ct)
	}
}

func TestHandleStream_SyncUpstreamSynthesized(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] == true {
			t.Error("expected non-streaming upstream request under force_non_stream")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_2",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4",
			"content": [{"type": "text", "text": "synthesized"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 3, "output_tokens": 2}
		}`)
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL, "force_non_stream")

	req := authedRequest(http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet-4","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-ID", "req-stream-3")

	h.Messages(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := rec.Body.String()
	for _, want := range []string{
		"event: message_start",
		`"text":"synthesized"`,
		"event: message_stop",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("synthesized stream missing %q:\n%s", want, out)
		}
	}
}

func TestHandler_SyncOverStreamingUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, "message_start", `{"type":"message_start","message":{"id":"msg_3","model":"claude-sonnet-4","usage":{"input_tokens":7}}}`)
		writeSSE(w, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
		writeSSE(w, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"aggregated"}}`)
		writeSSE(w, "content_block_stop", `{"type":"content_block_stop","index":0}`)
		writeSSE(w, "message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}`)
		writeSSE(w, "message_stop", `{"type":"message_stop"}`)
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL, "force_stream")

	req := authedRequest(http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet-4","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-ID", "req-sync-1")

	h.Messages(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal sync response: %v", err)
	}
	content, _ := resp["content"].([]any)
	if len(content) != 1 {
		t.Fatalf("expected 1 content block, got %d", len(content))
	}
	block, _ := content[0].(map[string]any)
	if block["text"] != "aggregated" {
		t.Errorf("expected aggregated text, got %v", block["text"])
	}
	if resp["stop_reason"] != "end_turn" {
		t.Errorf("expected stop_reason end_turn, got %v", resp["stop_reason"])
	}
	usage, _ := resp["usage"].(map[string]any)
	if usage["input_tokens"] != float64(7) || usage["output_tokens"] != float64(4) {
		t.Errorf("usage should sum the stream's per-event counts: %v", usage)
	}
}

func TestHandler_ModelNotAllowed(t *testing.T) {
	h := newTestHandler(t, "http://invalid.local", "")

	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`))
	info := &auth.AuthInfo{KeyID: "key-1", AllowedModels: []string{"gpt-4o"}}
	req = req.WithContext(auth.ContextWithAuth(req.Context(), info))
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-ID", "req-denied")

	h.Messages(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
