package registry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/relaycore/relay-gateway/internal/types"
)

// Store loads endpoint and key definitions from Postgres. Deployments
// running the management API keep providers there instead of in
// upstreams.yaml; this core only ever reads.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Load reads the full provider/endpoint/key set. The caller merges it
// with config-defined upstreams before swapping the registry.
func (s *Store) Load(ctx context.Context) ([]*Provider, []*Endpoint, []*Key, error) {
	providers, err := s.loadProviders(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	endpoints, err := s.loadEndpoints(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	keys, err := s.loadKeys(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	return providers, endpoints, keys, nil
}

func (s *Store) loadProviders(ctx context.Context) ([]*Provider, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, priority, active FROM providers
	`)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	var out []*Provider
	for rows.Next() {
		p := &Provider{}
		if err := rows.Scan(&p.ID, &p.Priority, &p.Active); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) loadEndpoints(ctx context.Context) ([]*Endpoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, provider_id, signature, provider_type, base_url,
		       COALESCE(proxy_url, ''), COALESCE(stream_policy, 'auto'), active
		FROM provider_endpoints
	`)
	if err != nil {
		return nil, fmt.Errorf("query provider_endpoints: %w", err)
	}
	defer rows.Close()

	var out []*Endpoint
	for rows.Next() {
		e := &Endpoint{}
		var sigStr string
		if err := rows.Scan(&e.ID, &e.ProviderID, &sigStr, &e.ProviderType,
			&e.BaseURL, &e.ProxyURL, &e.StreamPolicy, &e.Active); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		sig, err := types.ParseSignature(sigStr)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", e.ID, err)
		}
		e.Signature = sig
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) loadKeys(ctx context.Context) ([]*Key, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, endpoint_id, secret, priority, enabled,
		       COALESCE(max_context, 0), COALESCE(cache_1h, false),
		       COALESCE(force_cache_ttl, '')
		FROM provider_keys
	`)
	if err != nil {
		return nil, fmt.Errorf("query provider_keys: %w", err)
	}
	defer rows.Close()

	var out []*Key
	for rows.Next() {
		k := &Key{}
		if err := rows.Scan(&k.ID, &k.EndpointID, &k.Secret, &k.Priority, &k.Enabled,
			&k.Capabilities.MaxContext, &k.Capabilities.Cache1h, &k.ForceCacheTTL); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
