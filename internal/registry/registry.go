package registry

import (
	"fmt"
	"sync"

	"github.com/relaycore/relay-gateway/internal/config"
	"github.com/relaycore/relay-gateway/internal/types"
)

// ErrNoCandidates is returned when no active endpoint/key satisfies a
// request's signature and constraints. It surfaces to the client as
// "no available provider".
type ErrNoCandidates struct {
	Signature types.Signature
}

func (e ErrNoCandidates) Error() string {
	return fmt.Sprintf("no available provider for %s", e.Signature)
}

// Registry holds the read-mostly snapshot of providers, endpoints and
// keys. Mutation happens only by swapping in a whole new snapshot
// (config reload, store refresh); concurrent requests read the current
// snapshot without blocking each other.
type Registry struct {
	mu       sync.RWMutex
	snapshot *snapshot
}

type snapshot struct {
	providers map[string]*Provider
	// endpoints grouped by signature for candidate listing
	bySignature map[types.Signature][]*Endpoint
	keys        map[string][]*Key // endpoint ID -> keys
}

func New() *Registry {
	return &Registry{snapshot: &snapshot{
		providers:   map[string]*Provider{},
		bySignature: map[types.Signature][]*Endpoint{},
		keys:        map[string][]*Key{},
	}}
}

// Replace swaps the registry contents atomically.
func (r *Registry) Replace(providers []*Provider, endpoints []*Endpoint, keys []*Key) {
	snap := &snapshot{
		providers:   make(map[string]*Provider, len(providers)),
		bySignature: map[types.Signature][]*Endpoint{},
		keys:        map[string][]*Key{},
	}
	for _, p := range providers {
		snap.providers[p.ID] = p
	}
	for _, e := range endpoints {
		snap.bySignature[e.Signature] = append(snap.bySignature[e.Signature], e)
	}
	for _, k := range keys {
		snap.keys[k.EndpointID] = append(snap.keys[k.EndpointID], k)
	}

	r.mu.Lock()
	r.snapshot = snap
	r.mu.Unlock()
}

// ListCandidates returns the unordered set of (endpoint, key) pairs
// that can serve the requested signature under the given hard
// constraints. Ranking is the selector's job, not the registry's.
func (r *Registry) ListCandidates(sig types.Signature, cons Constraints) ([]Candidate, error) {
	r.mu.RLock()
	snap := r.snapshot
	r.mu.RUnlock()

	var out []Candidate
	for _, ep := range snap.bySignature[sig] {
		if !ep.Active {
			continue
		}
		prov, ok := snap.providers[ep.ProviderID]
		if !ok || !prov.Active {
			continue
		}
		for _, key := range snap.keys[ep.ID] {
			if !key.Enabled {
				continue
			}
			if !key.Capabilities.Satisfies(cons) {
				continue
			}
			out = append(out, Candidate{Provider: prov, Endpoint: ep, Key: key})
		}
	}

	if len(out) == 0 {
		return nil, ErrNoCandidates{Signature: sig}
	}
	return out, nil
}

// BuildFromConfig builds registry contents from the upstreams yaml.
func BuildFromConfig(cfg *config.UpstreamsConfig) ([]*Provider, []*Endpoint, []*Key, error) {
	var (
		providers []*Provider
		endpoints []*Endpoint
		keys      []*Key
	)
	for _, pc := range cfg.Providers {
		if pc.ID == "" {
			return nil, nil, nil, fmt.Errorf("provider with empty id")
		}
		providers = append(providers, &Provider{
			ID:       pc.ID,
			Priority: pc.Priority,
			Active:   boolOrTrue(pc.Active),
		})
		for i, ec := range pc.Endpoints {
			sig, err := types.ParseSignature(ec.Signature)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("provider %s endpoint %d: %w", pc.ID, i, err)
			}
			epID := ec.ID
			if epID == "" {
				epID = pc.ID + "/" + ec.Signature
			}
			endpoints = append(endpoints, &Endpoint{
				ID:           epID,
				ProviderID:   pc.ID,
				Signature:    sig,
				ProviderType: ec.ProviderType,
				BaseURL:      ec.BaseURL,
				ProxyURL:     ec.ProxyURL,
				Headers:      ec.Headers,
				StreamPolicy: ec.StreamPolicy,
				Active:       boolOrTrue(ec.Active),
			})
			for j, kc := range ec.Keys {
				keyID := kc.ID
				if keyID == "" {
					keyID = fmt.Sprintf("%s/key-%d", epID, j)
				}
				keys = append(keys, &Key{
					ID:         keyID,
					EndpointID: epID,
					Secret:     kc.Secret,
					Priority:   kc.Priority,
					Enabled:    boolOrTrue(kc.Enabled),
					Capabilities: Capabilities{
						MaxContext: kc.MaxContext,
						Cache1h:    kc.Cache1h,
					},
					ForceCacheTTL: kc.ForceCacheTTL,
				})
			}
		}
	}
	return providers, endpoints, keys, nil
}

func boolOrTrue(b *bool) bool {
	return b == nil || *b
}
