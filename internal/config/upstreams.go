package config

// UpstreamsConfig is the yaml schema for file-based endpoint/key
// definitions (upstreams.yaml). Deployments with a management API load
// the same shape from Postgres instead; the registry snapshot built
// from either source is identical.
type UpstreamsConfig struct {
	Providers []UpstreamProvider `yaml:"providers"`
}

type UpstreamProvider struct {
	ID        string             `yaml:"id"`
	Priority  int                `yaml:"priority"`
	Active    *bool              `yaml:"active"`
	Endpoints []UpstreamEndpoint `yaml:"endpoints"`
}

type UpstreamEndpoint struct {
	ID           string            `yaml:"id"`
	Signature    string            `yaml:"signature"` // family:kind
	ProviderType string            `yaml:"provider_type,omitempty"`
	BaseURL      string            `yaml:"base_url"`
	ProxyURL     string            `yaml:"proxy_url,omitempty"`
	StreamPolicy string            `yaml:"stream_policy,omitempty"` // auto | force_stream | force_non_stream
	Headers      map[string]string `yaml:"headers,omitempty"`
	Active       *bool             `yaml:"active"`
	Keys         []UpstreamKey     `yaml:"keys"`
}

type UpstreamKey struct {
	ID       string `yaml:"id"`
	Secret   string `yaml:"secret"`
	Priority int    `yaml:"priority"`
	Enabled  *bool  `yaml:"enabled"`

	// Capability tags used for hard constraint filtering.
	MaxContext int  `yaml:"max_context,omitempty"`
	Cache1h    bool `yaml:"cache_1h,omitempty"`

	// ForceCacheTTL forces a prompt-cache TTL ("5m" or "1h") on every
	// request dispatched through this key.
	ForceCacheTTL string `yaml:"force_cache_ttl,omitempty"`
}
