package types

import (
	"fmt"
	"strings"
)

// Family is a canonical protocol family an endpoint speaks.
type Family string

const (
	FamilyClaude Family = "claude"
	FamilyOpenAI Family = "openai"
	FamilyGemini Family = "gemini"
)

// Kind is the interface kind of an endpoint within a family.
type Kind string

const (
	KindChat  Kind = "chat"
	KindCLI   Kind = "cli"
	KindVideo Kind = "video"
)

// Signature identifies the protocol an endpoint speaks: `family:kind`,
// e.g. "claude:chat" or "openai:cli". The family alone determines which
// wire codec applies; the kind distinguishes interface surfaces within
// the family.
type Signature struct {
	Family Family
	Kind   Kind
}

func (s Signature) String() string {
	return string(s.Family) + ":" + string(s.Kind)
}

// ParseSignature parses a `family:kind` string.
func ParseSignature(s string) (Signature, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Signature{}, fmt.Errorf("invalid signature %q: want family:kind", s)
	}

	fam := Family(parts[0])
	switch fam {
	case FamilyClaude, FamilyOpenAI, FamilyGemini:
	default:
		return Signature{}, fmt.Errorf("invalid signature %q: unknown family %q", s, parts[0])
	}

	kind := Kind(parts[1])
	switch kind {
	case KindChat, KindCLI, KindVideo:
	default:
		return Signature{}, fmt.Errorf("invalid signature %q: unknown kind %q", s, parts[1])
	}

	return Signature{Family: fam, Kind: kind}, nil
}
