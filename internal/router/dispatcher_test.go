package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/relaycore/relay-gateway/internal/config"
	"github.com/relaycore/relay-gateway/internal/convert"
	"github.com/relaycore/relay-gateway/internal/envelope"
	"github.com/relaycore/relay-gateway/internal/registry"
	"github.com/relaycore/relay-gateway/internal/types"
)

const claudeSyncBody = `{
	"id": "msg_ok",
	"type": "message",
	"role": "assistant",
	"model": "claude-sonnet-4",
	"content": [{"type": "text", "text": "done"}],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 4, "output_tokens": 2}
}`

// newTestDispatcher wires a dispatcher over claude:chat endpoints, one
// per base URL, with provider priority following list order.
func newTestDispatcher(t *testing.T, sink types.OutcomeSink, baseURLs ...string) *Dispatcher {
	t.Helper()
	return newTestDispatcherPolicy(t, sink, "auto", baseURLs...)
}

func newTestDispatcherPolicy(t *testing.T, sink types.OutcomeSink, streamPolicy string, baseURLs ...string) *Dispatcher {
	t.Helper()

	cfg := config.DefaultConfig()

	var (
		providers []*registry.Provider
		endpoints []*registry.Endpoint
		keys      []*registry.Key
	)
	for i, u := range baseURLs {
		provID := fmt.Sprintf("prov-%d", i)
		epID := fmt.Sprintf("%s/claude-chat", provID)
		providers = append(providers, &registry.Provider{ID: provID, Priority: i, Active: true})
		endpoints = append(endpoints, &registry.Endpoint{
			ID:           epID,
			ProviderID:   provID,
			Signature:    types.Signature{Family: types.FamilyClaude, Kind: types.KindChat},
			BaseURL:      u,
			StreamPolicy: streamPolicy,
			Active:       true,
		})
		keys = append(keys, &registry.Key{
			ID:         epID + "/key-0",
			EndpointID: epID,
			Secret:     "sk-" + provID,
			Enabled:    true,
		})
	}
	reg := registry.New()
	reg.Replace(providers, endpoints, keys)

	avail := NewAvailabilityTable(func() config.RoutingConfig { return cfg.Routing })
	health := NewHealthTracker()

	return NewDispatcher(DispatcherOptions{
		Registry:  reg,
		Selector:  NewSelector(func() config.SchedulingMode { return cfg.Routing.SchedulingMode }, avail, health),
		Health:    health,
		Avail:     avail,
		Convert:   convert.NewRegistry(),
		Envelopes: envelope.NewRegistry(),
		Outcomes:  sink,
	})
}

func syncRequest() *Request {
	return &Request{
		RequestID:    "req-1",
		ClientKeyID:  "client-1",
		ClientFamily: types.FamilyClaude,
		Signature:    types.Signature{Family: types.FamilyClaude, Kind: types.KindChat},
		Canonical: &types.Request{
			Model:     "claude-sonnet-4",
			MaxTokens: 100,
			Messages: []types.Message{
				{Role: types.RoleUser, Content: []types.ContentBlock{{Type: types.BlockText, Text: "hi"}}},
			},
		},
	}
}

func TestDispatcher_RetriesTransientFailure(t *testing.T) {
	var firstHits, secondHits atomic.Int32
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		firstHits.Add(1)
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, claudeSyncBody)
	}))
	defer second.Close()

	var outcome types.Outcome
	sink := types.OutcomeFunc(func(o types.Outcome) { outcome = o })
	d := newTestDispatcher(t, sink, first.URL, second.URL)

	resp, err := d.Do(context.Background(), syncRequest())
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if resp.Content[0].Text != "done" {
		t.Errorf("unexpected response content: %+v", resp.Content)
	}
	if firstHits.Load() != 1 || secondHits.Load() != 1 {
		t.Errorf("expected one hit each, got %d and %d", firstHits.Load(), secondHits.Load())
	}
	if outcome.Attempts != 2 {
		t.Errorf("expected 2 attempts in outcome, got %d", outcome.Attempts)
	}
	if outcome.Status != types.StatusSuccess {
		t.Errorf("expected success outcome, got %v", outcome.Status)
	}
}

func TestDispatcher_AuthErrorAdvancesKey(t *testing.T) {
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid key"}`, http.StatusUnauthorized)
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, claudeSyncBody)
	}))
	defer second.Close()

	d := newTestDispatcher(t, nil, first.URL, second.URL)

	resp, err := d.Do(context.Background(), syncRequest())
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if resp.ID != "msg_ok" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestDispatcher_FatalNotRetried(t *testing.T) {
	var secondHits atomic.Int32
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad request"}`, http.StatusUnprocessableEntity)
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondHits.Add(1)
		fmt.Fprint(w, claudeSyncBody)
	}))
	defer second.Close()

	d := newTestDispatcher(t, nil, first.URL, second.URL)

	_, err := d.Do(context.Background(), syncRequest())
	if err == nil {
		t.Fatal("expected error for fatal upstream status")
	}
	if secondHits.Load() != 0 {
		t.Errorf("fatal error must not advance to the next candidate, second got %d hits", secondHits.Load())
	}
}

func TestDispatcher_AllCandidatesFailed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer upstream.Close()

	d := newTestDispatcher(t, nil, upstream.URL, upstream.URL)

	_, err := d.Do(context.Background(), syncRequest())
	if err == nil {
		t.Fatal("expected error when every candidate fails")
	}
	var transient *UpstreamTransientError
	if !errors.As(err, &transient) {
		t.Errorf("expected wrapped transient error, got %v", err)
	}
}

func TestDispatcher_NoCandidates(t *testing.T) {
	d := newTestDispatcher(t, nil)

	_, err := d.Do(context.Background(), syncRequest())
	var noCand registry.ErrNoCandidates
	if !errors.As(err, &noCand) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestDispatcher_CommittedStreamNotRetried(t *testing.T) {
	var secondHits atomic.Int32
	// streams one delta then drops the connection without message_stop
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_cut\",\"model\":\"claude-sonnet-4\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"par\"}}\n\n")
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondHits.Add(1)
		fmt.Fprint(w, claudeSyncBody)
	}))
	defer second.Close()

	d := newTestDispatcher(t, nil, first.URL, second.URL)

	req := syncRequest()
	req.Stream = true
	req.Canonical.Stream = true

	var emitted []types.StreamEvent
	err := d.DoStream(context.Background(), req, func(ev types.StreamEvent) (bool, error) {
		emitted = append(emitted, ev)
		return true, nil
	})

	var bridgeErr *StreamBridgeError
	if !errors.As(err, &bridgeErr) {
		t.Fatalf("expected stream bridge error for truncated upstream, got %v", err)
	}
	if len(emitted) == 0 {
		t.Fatal("expected events before the cut")
	}
	if secondHits.Load() != 0 {
		t.Errorf("committed stream must not retry, second got %d hits", secondHits.Load())
	}
}

func TestDispatcher_RetriedStreamUsageNotCarried(t *testing.T) {
	// cuts after reporting input usage, before any terminal event
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_cut\",\"model\":\"claude-sonnet-4\",\"usage\":{\"input_tokens\":10}}}\n\n")
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_ok\",\"model\":\"claude-sonnet-4\",\"usage\":{\"input_tokens\":10}}}\n\n")
		fmt.Fprint(w, "event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"done\"}}\n\n")
		fmt.Fprint(w, "event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n")
		fmt.Fprint(w, "event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":5}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer second.Close()

	var outcome types.Outcome
	sink := types.OutcomeFunc(func(o types.Outcome) { outcome = o })
	d := newTestDispatcherPolicy(t, sink, "force_stream", first.URL, second.URL)

	resp, err := d.Do(context.Background(), syncRequest())
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Fatalf("response usage: %+v", resp.Usage)
	}
	if outcome.Usage.InputTokens != 10 || outcome.Usage.OutputTokens != 5 {
		t.Errorf("abandoned attempt usage leaked into outcome: %+v", outcome.Usage)
	}
}

func TestDispatcher_UncommittedEmitRetries(t *testing.T) {
	// cuts after message_start, before any terminal event
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_cut\",\"model\":\"claude-sonnet-4\"}}\n\n")
	}))
	defer first.Close()
	var secondHits atomic.Int32
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondHits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_ok\",\"model\":\"claude-sonnet-4\"}}\n\n")
		fmt.Fprint(w, "event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"ok\"}}\n\n")
		fmt.Fprint(w, "event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n")
		fmt.Fprint(w, "event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer second.Close()

	d := newTestDispatcher(t, nil, first.URL, second.URL)

	req := syncRequest()
	req.Stream = true
	req.Canonical.Stream = true

	// the client codec renders nothing for message_start, so the cut
	// attempt never reaches the wire and the dispatcher may retry
	err := d.DoStream(context.Background(), req, func(ev types.StreamEvent) (bool, error) {
		if ev.Type == types.EventMessageStart {
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		t.Fatalf("DoStream failed: %v", err)
	}
	if secondHits.Load() != 1 {
		t.Errorf("expected retry onto second candidate, got %d hits", secondHits.Load())
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want types.StatusClass
	}{
		{200, types.StatusSuccess},
		{201, types.StatusSuccess},
		{401, types.StatusAuth},
		{403, types.StatusAuth},
		{408, types.StatusTransient},
		{429, types.StatusTransient},
		{500, types.StatusTransient},
		{503, types.StatusTransient},
		{400, types.StatusFatal},
		{404, types.StatusFatal},
		{422, types.StatusFatal},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.code); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !retryable(&UpstreamTransientError{Msg: "x"}) {
		t.Error("transient errors should be retryable")
	}
	if !retryable(&UpstreamAuthError{Status: 401, Msg: "x"}) {
		t.Error("auth errors should be retryable on another key")
	}
	if !retryable(&StreamBridgeError{Msg: "x"}) {
		t.Error("bridge errors should be retryable before commit")
	}
	if retryable(errors.New("conversion failed")) {
		t.Error("arbitrary errors should not be retryable")
	}
}
