package convert

import (
	"fmt"

	"github.com/relaycore/relay-gateway/internal/types"
)

// Patch adjusts canonical requests and responses for a provider
// variant whose dialect deviates from its base family.
type Patch interface {
	Variant() string
	PatchRequest(req *types.Request) error
	PatchResponse(resp *types.Response) error
}

// Registry holds the per-family codecs and per-variant patches and
// composes them into conversions on demand.
type Registry struct {
	codecs  map[types.Family]Codec
	patches map[string]Patch
}

func NewRegistry() *Registry {
	r := &Registry{
		codecs:  make(map[types.Family]Codec),
		patches: make(map[string]Patch),
	}
	for _, c := range []Codec{NewClaudeCodec(), NewOpenAICodec(), NewGeminiCodec()} {
		r.codecs[c.Family()] = c
	}
	return r
}

func (r *Registry) RegisterPatch(p Patch) { r.patches[p.Variant()] = p }

// Codec returns the codec for a protocol family.
func (r *Registry) Codec(family types.Family) (Codec, error) {
	c, ok := r.codecs[family]
	if !ok {
		return nil, fmt.Errorf("no codec for family %q", family)
	}
	return c, nil
}

// Lookup builds the conversion from a client family to an upstream
// family plus optional provider variant. The same-family, no-variant
// case short-circuits to a byte-level pass-through.
func (r *Registry) Lookup(source, target types.Family, variant string) (*Conversion, error) {
	src, err := r.Codec(source)
	if err != nil {
		return nil, err
	}
	dst, err := r.Codec(target)
	if err != nil {
		return nil, err
	}
	var patch Patch
	if variant != "" {
		patch = r.patches[variant]
	}
	return &Conversion{source: src, target: dst, patch: patch}, nil
}

// Conversion is a pure byte-level translator between a client protocol
// and an upstream protocol. It carries no per-request state.
type Conversion struct {
	source Codec
	target Codec
	patch  Patch
}

// Identity reports whether request and response bodies can pass
// through unmodified.
func (c *Conversion) Identity() bool {
	return c.source.Family() == c.target.Family() && c.patch == nil
}

func (c *Conversion) Source() Codec { return c.source }
func (c *Conversion) Target() Codec { return c.target }

// DecodeRequest parses a client request body into the canonical model.
func (c *Conversion) DecodeRequest(data []byte) (*types.Request, error) {
	return c.source.DecodeRequest(data)
}

// EncodeUpstreamRequest renders a canonical request for the upstream,
// applying the variant patch first.
func (c *Conversion) EncodeUpstreamRequest(req *types.Request) ([]byte, error) {
	if c.patch != nil {
		patched := *req
		if err := c.patch.PatchRequest(&patched); err != nil {
			return nil, err
		}
		return c.target.EncodeRequest(&patched)
	}
	return c.target.EncodeRequest(req)
}

// DecodeUpstreamResponse parses an upstream response body, applying
// the variant patch to the decoded form.
func (c *Conversion) DecodeUpstreamResponse(data []byte) (*types.Response, error) {
	resp, err := c.target.DecodeResponse(data)
	if err != nil {
		return nil, err
	}
	if c.patch != nil {
		if err := c.patch.PatchResponse(resp); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// ApplyResponsePatch runs the variant patch over a canonical response
// assembled outside DecodeUpstreamResponse, e.g. aggregated from a
// stream.
func (c *Conversion) ApplyResponsePatch(resp *types.Response) error {
	if c.patch == nil {
		return nil
	}
	return c.patch.PatchResponse(resp)
}

// EncodeResponse renders a canonical response in the client's format.
func (c *Conversion) EncodeResponse(resp *types.Response) ([]byte, error) {
	return c.source.EncodeResponse(resp)
}
