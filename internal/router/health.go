package router

import (
	"sync"

	"github.com/relaycore/relay-gateway/internal/types"
)

// scoreAlpha is the EMA smoothing factor for health score updates.
const scoreAlpha = 0.3

// HealthTracker maintains a per-key health score in [0,1]. Success
// nudges the score toward 1.0, failure toward 0.0. The score is a soft
// selection signal only; hard filtering is done via enabled flags and
// cooldown state so transient noise cannot starve a key.
type HealthTracker struct {
	mu     sync.RWMutex
	scores map[string]*keyScore

	// OnScore, when set, receives every score update. Set before
	// serving; not guarded by mu.
	OnScore func(keyID string, score float64)
}

// keyScore carries its own lock so updates for one key never serialize
// requests touching other keys.
type keyScore struct {
	mu    sync.Mutex
	score float64
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{scores: make(map[string]*keyScore)}
}

func (h *HealthTracker) get(keyID string) *keyScore {
	h.mu.RLock()
	s, ok := h.scores[keyID]
	h.mu.RUnlock()
	if ok {
		return s
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// Double-check after acquiring write lock
	if s, ok := h.scores[keyID]; ok {
		return s
	}
	s = &keyScore{score: 1.0}
	h.scores[keyID] = s
	return s
}

// Score returns the current health score for a key. Unknown keys start
// at 1.0.
func (h *HealthTracker) Score(keyID string) float64 {
	s := h.get(keyID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.score
}

// Observe records one completed attempt. Cancelled attempts are not
// counted against the key.
func (h *HealthTracker) Observe(keyID string, status types.StatusClass) {
	if status == types.StatusCancelled {
		return
	}

	target := 0.0
	if status == types.StatusSuccess {
		target = 1.0
	}

	s := h.get(keyID)
	s.mu.Lock()
	s.score = s.score + scoreAlpha*(target-s.score)
	if s.score < 0 {
		s.score = 0
	} else if s.score > 1 {
		s.score = 1
	}
	score := s.score
	s.mu.Unlock()

	if h.OnScore != nil {
		h.OnScore(keyID, score)
	}
}
