package registry

import (
	"github.com/relaycore/relay-gateway/internal/types"
)

// Provider is a configured upstream vendor account grouping.
type Provider struct {
	ID       string
	Priority int
	Active   bool
}

// Endpoint is one (provider, signature) pair: a concrete upstream
// surface speaking a `family:kind` protocol, optionally tagged with a
// provider_type variant for behavioral quirks.
type Endpoint struct {
	ID         string
	ProviderID string
	Signature  types.Signature

	// ProviderType tags an upstream variant within an otherwise
	// standard signature (e.g. "codex", "antigravity"). Empty for
	// stock upstreams.
	ProviderType string

	BaseURL  string
	ProxyURL string
	Headers  map[string]string

	// StreamPolicy is the configured upstream_stream_policy:
	// "auto", "force_stream" or "force_non_stream".
	StreamPolicy string

	Active bool
}

// Key is a credential bound to an endpoint. The secret is opaque to
// the routing core. Health score is tracked separately by the router;
// everything here is read-mostly.
type Key struct {
	ID         string
	EndpointID string
	Secret     string
	Priority   int
	Enabled    bool

	Capabilities  Capabilities
	ForceCacheTTL string
}

// Capabilities are the hard constraint tags a key advertises.
type Capabilities struct {
	MaxContext int
	Cache1h    bool
}

// Satisfies reports whether the capabilities meet the given constraints.
func (c Capabilities) Satisfies(req Constraints) bool {
	if req.MinContext > 0 && c.MaxContext > 0 && c.MaxContext < req.MinContext {
		return false
	}
	if req.RequireCache1h && !c.Cache1h {
		return false
	}
	return true
}

// Constraints are hard requirements a request places on candidate keys.
type Constraints struct {
	MinContext     int
	RequireCache1h bool
}

// Candidate pairs an endpoint with one of its keys, annotated with the
// owning provider's scheduling priority.
type Candidate struct {
	Provider *Provider
	Endpoint *Endpoint
	Key      *Key
}
