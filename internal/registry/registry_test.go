package registry

import (
	"errors"
	"testing"

	"github.com/relaycore/relay-gateway/internal/config"
	"github.com/relaycore/relay-gateway/internal/types"
)

var sigClaudeChat = types.Signature{Family: types.FamilyClaude, Kind: types.KindChat}

func seedRegistry() *Registry {
	r := New()
	r.Replace(
		[]*Provider{
			{ID: "prov-a", Priority: 0, Active: true},
			{ID: "prov-b", Priority: 1, Active: true},
			{ID: "prov-off", Priority: 0, Active: false},
		},
		[]*Endpoint{
			{ID: "prov-a/chat", ProviderID: "prov-a", Signature: sigClaudeChat, BaseURL: "https://a.example.com", Active: true},
			{ID: "prov-b/chat", ProviderID: "prov-b", Signature: sigClaudeChat, BaseURL: "https://b.example.com", Active: true},
			{ID: "prov-b/chat-off", ProviderID: "prov-b", Signature: sigClaudeChat, BaseURL: "https://b2.example.com", Active: false},
			{ID: "prov-off/chat", ProviderID: "prov-off", Signature: sigClaudeChat, BaseURL: "https://off.example.com", Active: true},
		},
		[]*Key{
			{ID: "a-key-0", EndpointID: "prov-a/chat", Enabled: true, Capabilities: Capabilities{MaxContext: 200000, Cache1h: true}},
			{ID: "a-key-1", EndpointID: "prov-a/chat", Enabled: false},
			{ID: "b-key-0", EndpointID: "prov-b/chat", Enabled: true, Capabilities: Capabilities{MaxContext: 100000}},
			{ID: "b-off-key", EndpointID: "prov-b/chat-off", Enabled: true},
			{ID: "off-key", EndpointID: "prov-off/chat", Enabled: true},
		},
	)
	return r
}

func TestListCandidates_Filtering(t *testing.T) {
	r := seedRegistry()

	cands, err := r.ListCandidates(sigClaudeChat, Constraints{})
	if err != nil {
		t.Fatalf("ListCandidates failed: %v", err)
	}
	// disabled keys, inactive endpoints and inactive providers are all
	// excluded
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}
	for _, c := range cands {
		switch c.Key.ID {
		case "a-key-0", "b-key-0":
		default:
			t.Errorf("unexpected candidate key %s", c.Key.ID)
		}
	}
}

func TestListCandidates_Constraints(t *testing.T) {
	r := seedRegistry()

	cands, err := r.ListCandidates(sigClaudeChat, Constraints{RequireCache1h: true})
	if err != nil {
		t.Fatalf("ListCandidates failed: %v", err)
	}
	if len(cands) != 1 || cands[0].Key.ID != "a-key-0" {
		t.Errorf("cache_1h constraint should leave only a-key-0: %+v", cands)
	}

	cands, err = r.ListCandidates(sigClaudeChat, Constraints{MinContext: 150000})
	if err != nil {
		t.Fatalf("ListCandidates failed: %v", err)
	}
	if len(cands) != 1 || cands[0].Key.ID != "a-key-0" {
		t.Errorf("min_context constraint should leave only a-key-0: %+v", cands)
	}
}

func TestListCandidates_NoCandidates(t *testing.T) {
	r := seedRegistry()

	sig := types.Signature{Family: types.FamilyGemini, Kind: types.KindVideo}
	_, err := r.ListCandidates(sig, Constraints{})
	var noCand ErrNoCandidates
	if !errors.As(err, &noCand) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
	if noCand.Signature != sig {
		t.Errorf("error should carry the signature: %+v", noCand)
	}
}

func TestCapabilitiesSatisfies(t *testing.T) {
	caps := Capabilities{MaxContext: 100000, Cache1h: false}

	if !caps.Satisfies(Constraints{}) {
		t.Error("empty constraints should always pass")
	}
	if !caps.Satisfies(Constraints{MinContext: 50000}) {
		t.Error("sufficient context should pass")
	}
	if caps.Satisfies(Constraints{MinContext: 200000}) {
		t.Error("insufficient context should fail")
	}
	if caps.Satisfies(Constraints{RequireCache1h: true}) {
		t.Error("cache_1h requirement should fail without the capability")
	}

	// unknown context limit is not a rejection
	open := Capabilities{MaxContext: 0}
	if !open.Satisfies(Constraints{MinContext: 200000}) {
		t.Error("unadvertised context limit should pass")
	}
}

func TestReplace_SwapsAtomically(t *testing.T) {
	r := seedRegistry()

	r.Replace(
		[]*Provider{{ID: "only", Priority: 0, Active: true}},
		[]*Endpoint{{ID: "only/chat", ProviderID: "only", Signature: sigClaudeChat, Active: true}},
		[]*Key{{ID: "only-key", EndpointID: "only/chat", Enabled: true}},
	)

	cands, err := r.ListCandidates(sigClaudeChat, Constraints{})
	if err != nil {
		t.Fatalf("ListCandidates failed: %v", err)
	}
	if len(cands) != 1 || cands[0].Key.ID != "only-key" {
		t.Errorf("old snapshot leaked through: %+v", cands)
	}
}

func TestBuildFromConfig(t *testing.T) {
	cfg := &config.UpstreamsConfig{
		Providers: []config.UpstreamProvider{{
			ID:       "anthropic-main",
			Priority: 0,
			Endpoints: []config.UpstreamEndpoint{{
				Signature:    "claude:chat",
				BaseURL:      "https://api.anthropic.com/v1",
				StreamPolicy: "force_stream",
				Keys: []config.UpstreamKey{
					{Secret: "sk-1", Priority: 0, Cache1h: true, ForceCacheTTL: "1h"},
					{ID: "named-key", Secret: "sk-2", Priority: 1},
				},
			}},
		}},
	}

	providers, endpoints, keys, err := BuildFromConfig(cfg)
	if err != nil {
		t.Fatalf("BuildFromConfig failed: %v", err)
	}

	if len(providers) != 1 || !providers[0].Active {
		t.Errorf("provider defaults: %+v", providers)
	}
	if len(endpoints) != 1 {
		t.Fatalf("expected 1 endpoint, got %d", len(endpoints))
	}
	ep := endpoints[0]
	if ep.ID != "anthropic-main/claude:chat" {
		t.Errorf("derived endpoint id: %q", ep.ID)
	}
	if ep.Signature != sigClaudeChat || ep.StreamPolicy != "force_stream" {
		t.Errorf("endpoint fields: %+v", ep)
	}

	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	if keys[0].ID != "anthropic-main/claude:chat/key-0" {
		t.Errorf("derived key id: %q", keys[0].ID)
	}
	if !keys[0].Capabilities.Cache1h || keys[0].ForceCacheTTL != "1h" {
		t.Errorf("key capabilities: %+v", keys[0])
	}
	if keys[1].ID != "named-key" {
		t.Errorf("explicit key id overridden: %q", keys[1].ID)
	}
}

func TestBuildFromConfig_Errors(t *testing.T) {
	_, _, _, err := BuildFromConfig(&config.UpstreamsConfig{
		Providers: []config.UpstreamProvider{{ID: ""}},
	})
	if err == nil {
		t.Error("expected error for empty provider id")
	}

	_, _, _, err = BuildFromConfig(&config.UpstreamsConfig{
		Providers: []config.UpstreamProvider{{
			ID:        "p",
			Endpoints: []config.UpstreamEndpoint{{Signature: "not-a-signature"}},
		}},
	})
	if err == nil {
		t.Error("expected error for invalid signature")
	}
}
