package router

import (
	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies the request for tie-breaking among
// equal-priority keys. Requests with the same fingerprint land on the
// same key (cache and session affinity) while distinct fingerprints
// spread across the group.
type Fingerprint uint64

// NewFingerprint derives a fingerprint from the client key id and the
// requested model.
func NewFingerprint(clientKeyID, model string) Fingerprint {
	h := xxhash.New()
	h.WriteString(clientKeyID)
	h.WriteString("\x00")
	h.WriteString(model)
	return Fingerprint(h.Sum64())
}

// Pick selects a stable index within a group of the given size.
func (f Fingerprint) Pick(groupSize int) int {
	if groupSize <= 1 {
		return 0
	}
	return int(uint64(f) % uint64(groupSize))
}
