package bridge

// Policy controls whether the gateway calls the upstream in streaming
// or synchronous mode, independent of the client's own mode.
type Policy string

const (
	PolicyAuto           Policy = "auto"
	PolicyForceStream    Policy = "force_stream"
	PolicyForceNonStream Policy = "force_non_stream"
)

// hardOverrides pins upstreams that only support one transport mode.
// Configuration cannot override these.
var hardOverrides = map[string]Policy{
	"antigravity": PolicyForceStream, // SSE-only upstream
	"codex":       PolicyForceStream,
}

// Resolve returns the effective policy for an endpoint: the configured
// upstream_stream_policy unless the provider_type is hard-constrained
// to one transport mode.
func Resolve(configured string, providerType string) Policy {
	if p, ok := hardOverrides[providerType]; ok {
		return p
	}
	switch Policy(configured) {
	case PolicyForceStream, PolicyForceNonStream:
		return Policy(configured)
	default:
		return PolicyAuto
	}
}

// UpstreamStream reports whether the upstream call is made in
// streaming mode given the effective policy and the client's mode.
func (p Policy) UpstreamStream(clientStream bool) bool {
	switch p {
	case PolicyForceStream:
		return true
	case PolicyForceNonStream:
		return false
	default:
		return clientStream
	}
}
