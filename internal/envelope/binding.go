// Package envelope handles upstream-specific wrapping of wire payloads
// and the transport side effects around a call. Format conversion stays
// pure; anything touching URLs or availability lives here.
package envelope

import (
	"github.com/relaycore/relay-gateway/internal/bridge"
)

// Call describes one upstream attempt to a binding.
type Call struct {
	Model     string
	RequestID string
	Stream    bool
	BaseURL   string
}

// AvailabilityMarker is the slice of the availability table bindings
// may drive from their transport hooks.
type AvailabilityMarker interface {
	MarkCooldown(providerType, baseURL string)
}

// Binding wraps and unwraps payloads for one provider_type and reacts
// to transport outcomes.
type Binding interface {
	ProviderType() string

	// WrapRequest wraps an already-converted payload for the wire.
	WrapRequest(body []byte, call Call) ([]byte, error)
	// UnwrapResponse strips the envelope from a sync response body.
	UnwrapResponse(body []byte) ([]byte, error)
	// UnwrapStreamFrame strips the envelope from one SSE frame. The
	// bool reports whether the frame should be forwarded at all.
	UnwrapStreamFrame(f bridge.Frame) (bridge.Frame, bool, error)

	// BaseURLs ranks the base URLs to try for this call, best first.
	// The configured endpoint URL is always a valid fallback.
	BaseURLs(configured string) []string

	// OnTransportOutcome runs after the upstream call completes with
	// the observed status (0 for connection failures).
	OnTransportOutcome(status int, baseURL string, avail AvailabilityMarker)
}

// Noop passes everything through untouched. Endpoints with no bound
// envelope use it so the dispatcher never branches on provider_type.
type Noop struct{}

func (Noop) ProviderType() string                            { return "" }
func (Noop) WrapRequest(body []byte, _ Call) ([]byte, error) { return body, nil }
func (Noop) UnwrapResponse(body []byte) ([]byte, error)      { return body, nil }
func (Noop) UnwrapStreamFrame(f bridge.Frame) (bridge.Frame, bool, error) {
	return f, true, nil
}
func (Noop) BaseURLs(configured string) []string                { return []string{configured} }
func (Noop) OnTransportOutcome(int, string, AvailabilityMarker) {}

// Registry maps provider_type to its binding.
type Registry struct {
	bindings map[string]Binding
	noop     Noop
}

func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]Binding)}
}

func (r *Registry) Register(b Binding) { r.bindings[b.ProviderType()] = b }

// Lookup returns the binding for a provider_type, or the no-op binding
// when none is registered.
func (r *Registry) Lookup(providerType string) Binding {
	if b, ok := r.bindings[providerType]; ok {
		return b
	}
	return r.noop
}
