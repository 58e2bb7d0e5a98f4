package bridge

import "testing"

func TestResolve(t *testing.T) {
	tests := []struct {
		name         string
		configured   string
		providerType string
		want         Policy
	}{
		{"empty defaults to auto", "", "", PolicyAuto},
		{"unknown value defaults to auto", "bogus", "", PolicyAuto},
		{"configured force_stream", "force_stream", "", PolicyForceStream},
		{"configured force_non_stream", "force_non_stream", "", PolicyForceNonStream},
		{"codex always streams", "force_non_stream", "codex", PolicyForceStream},
		{"antigravity always streams", "auto", "antigravity", PolicyForceStream},
		{"stock provider type follows config", "force_non_stream", "vertex", PolicyForceNonStream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.configured, tt.providerType); got != tt.want {
				t.Errorf("Resolve(%q, %q) = %q, want %q", tt.configured, tt.providerType, got, tt.want)
			}
		})
	}
}

func TestPolicyUpstreamStream(t *testing.T) {
	if !PolicyForceStream.UpstreamStream(false) {
		t.Error("force_stream should stream for a sync client")
	}
	if PolicyForceNonStream.UpstreamStream(true) {
		t.Error("force_non_stream should not stream for a streaming client")
	}
	if PolicyAuto.UpstreamStream(true) != true || PolicyAuto.UpstreamStream(false) != false {
		t.Error("auto should follow the client mode")
	}
}
