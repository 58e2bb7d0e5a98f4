package convert

import (
	"github.com/relaycore/relay-gateway/internal/types"
)

// VariantCodex and VariantAntigravity name the provider_type dialects
// with their own request patches.
const (
	VariantCodex       = "codex"
	VariantAntigravity = "antigravity"
)

// CodexPatch targets the codex responses-style backend, which rejects
// client sampling parameters.
type CodexPatch struct{}

func NewCodexPatch() *CodexPatch { return &CodexPatch{} }

func (p *CodexPatch) Variant() string { return VariantCodex }

func (p *CodexPatch) PatchRequest(req *types.Request) error {
	req.Temperature = nil
	req.TopP = nil
	req.Stop = nil
	return nil
}

func (p *CodexPatch) PatchResponse(resp *types.Response) error { return nil }

// AntigravityPatch handles signed thinking. The backend rejects
// thinking blocks replayed without their original signature, so
// signatures observed on responses are cached and restored onto later
// requests. Thinking with no recoverable signature is dropped rather
// than failing the request.
type AntigravityPatch struct {
	cache *SignatureCache
}

func NewAntigravityPatch(cache *SignatureCache) *AntigravityPatch {
	if cache == nil {
		cache = NewSignatureCache()
	}
	return &AntigravityPatch{cache: cache}
}

func (p *AntigravityPatch) Variant() string { return VariantAntigravity }

func (p *AntigravityPatch) PatchRequest(req *types.Request) error {
	for i, m := range req.Messages {
		if m.Role != types.RoleAssistant {
			continue
		}
		kept := m.Content[:0:0]
		for _, b := range m.Content {
			if b.Type == types.BlockThinking && b.Signature == "" {
				if sig, ok := p.cache.Get(b.Thinking); ok {
					b.Signature = sig
				} else {
					continue
				}
			}
			kept = append(kept, b)
		}
		req.Messages[i].Content = kept
	}
	return nil
}

func (p *AntigravityPatch) PatchResponse(resp *types.Response) error {
	for _, b := range resp.Content {
		if b.Type == types.BlockThinking && b.Signature != "" {
			p.cache.Put(b.Thinking, b.Signature)
		}
	}
	return nil
}
