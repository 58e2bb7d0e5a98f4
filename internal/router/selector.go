package router

import (
	"sort"

	"github.com/relaycore/relay-gateway/internal/config"
	"github.com/relaycore/relay-gateway/internal/registry"
)

// Selector orders candidate keys for dispatch under the configured
// scheduling mode. The output is consumed as a retry queue: the
// dispatcher walks it front to back.
type Selector struct {
	mode   func() config.SchedulingMode
	avail  *AvailabilityTable
	health *HealthTracker
}

func NewSelector(mode func() config.SchedulingMode, avail *AvailabilityTable, health *HealthTracker) *Selector {
	return &Selector{mode: mode, avail: avail, health: health}
}

// Order ranks candidates for one request. Cooling-down keys are pushed
// behind all available ones rather than dropped, so a request is never
// failed while any candidate exists: if everything is cooling, the
// least-recently-cooled key is retried as a last resort.
//
// For a fixed fingerprint and candidate set the result is
// deterministic.
func (s *Selector) Order(cands []registry.Candidate, fp Fingerprint) []registry.Candidate {
	available := make([]registry.Candidate, 0, len(cands))
	var cooling []registry.Candidate
	for _, c := range cands {
		if s.avail.State(c.Endpoint.ProviderType, c.Endpoint.BaseURL) == StateCoolingDown {
			cooling = append(cooling, c)
		} else {
			available = append(available, c)
		}
	}

	mode := s.mode()
	sort.SliceStable(available, func(i, j int) bool {
		return less(available[i], available[j], mode)
	})

	// Within each tied priority group, rotate by the fingerprint hash
	// so the same fingerprint keeps landing on the same key while
	// distinct fingerprints spread across the group.
	out := make([]registry.Candidate, 0, len(cands))
	for start := 0; start < len(available); {
		end := start + 1
		for end < len(available) && samePriority(available[start], available[end], mode) {
			end++
		}
		group := available[start:end]
		k := fp.Pick(len(group))
		out = append(out, group[k:]...)
		out = append(out, group[:k]...)
		start = end
	}

	// Last resort: least-recently-cooled first, health score breaking
	// ties.
	sort.SliceStable(cooling, func(i, j int) bool {
		ci := s.avail.CooledAt(cooling[i].Endpoint.ProviderType, cooling[i].Endpoint.BaseURL)
		cj := s.avail.CooledAt(cooling[j].Endpoint.ProviderType, cooling[j].Endpoint.BaseURL)
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		hi := s.health.Score(cooling[i].Key.ID)
		hj := s.health.Score(cooling[j].Key.ID)
		if hi != hj {
			return hi > hj
		}
		return cooling[i].Key.ID < cooling[j].Key.ID
	})

	return append(out, cooling...)
}

// less orders candidates by the mode's priority chain, with ids as the
// final tie-break so ordering is stable across calls regardless of
// input order.
func less(a, b registry.Candidate, mode config.SchedulingMode) bool {
	if mode == config.ScheduleProviderPriority {
		if a.Provider.Priority != b.Provider.Priority {
			return a.Provider.Priority < b.Provider.Priority
		}
	}
	if a.Key.Priority != b.Key.Priority {
		return a.Key.Priority < b.Key.Priority
	}
	if a.Endpoint.ID != b.Endpoint.ID {
		return a.Endpoint.ID < b.Endpoint.ID
	}
	return a.Key.ID < b.Key.ID
}

func samePriority(a, b registry.Candidate, mode config.SchedulingMode) bool {
	if mode == config.ScheduleProviderPriority && a.Provider.Priority != b.Provider.Priority {
		return false
	}
	return a.Key.Priority == b.Key.Priority
}
