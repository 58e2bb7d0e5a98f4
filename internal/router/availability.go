package router

import (
	"sync"
	"time"

	"github.com/relaycore/relay-gateway/internal/config"
)

// AvailabilityState is the state of one upstream base URL.
type AvailabilityState int

const (
	StateAvailable AvailabilityState = iota
	StateCoolingDown
)

func (s AvailabilityState) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateCoolingDown:
		return "cooling_down"
	default:
		return "unknown"
	}
}

// AvailabilityTable tracks per (provider_type, base URL) availability:
// consecutive transient failures past the configured threshold put the
// URL into cooling_down; once the TTL elapses the next read observes
// it as available again. Recovery is lazy — checked at selection time,
// never via background timers.
type AvailabilityTable struct {
	mu      sync.Mutex
	entries map[availKey]*availEntry
	routing func() config.RoutingConfig

	// OnCooldown, when set, is invoked after a base URL transitions
	// into cooling_down. Set before serving; not guarded by mu.
	OnCooldown func(providerType, baseURL string)
}

type availKey struct {
	providerType string
	baseURL      string
}

type availEntry struct {
	failures      int
	state         AvailabilityState
	cooldownUntil time.Time
	cooledAt      time.Time
}

// NewAvailabilityTable creates a table. routing supplies the current
// per-provider_type cooldown tuning (hot-reloadable config).
func NewAvailabilityTable(routing func() config.RoutingConfig) *AvailabilityTable {
	return &AvailabilityTable{
		entries: make(map[availKey]*availEntry),
		routing: routing,
	}
}

func (t *AvailabilityTable) entry(providerType, baseURL string) *availEntry {
	k := availKey{providerType: providerType, baseURL: baseURL}
	e, ok := t.entries[k]
	if !ok {
		e = &availEntry{state: StateAvailable}
		t.entries[k] = e
	}
	return e
}

// refresh applies lazy TTL recovery. Must be called with mu held.
func (e *availEntry) refresh(now time.Time) {
	if e.state == StateCoolingDown && !now.Before(e.cooldownUntil) {
		e.state = StateAvailable
		e.failures = 0
	}
}

// State returns the current state for a base URL.
func (t *AvailabilityTable) State(providerType, baseURL string) AvailabilityState {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(providerType, baseURL)
	e.refresh(time.Now())
	return e.state
}

// CooledAt returns when the base URL last entered cooling_down. Zero
// when it never cooled.
func (t *AvailabilityTable) CooledAt(providerType, baseURL string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entry(providerType, baseURL).cooledAt
}

// RecordFailure counts one transient failure against the base URL and
// transitions it to cooling_down once the threshold is reached.
func (t *AvailabilityTable) RecordFailure(providerType, baseURL string) {
	tc := t.routing().TypeConfig(providerType)

	t.mu.Lock()
	now := time.Now()
	e := t.entry(providerType, baseURL)
	e.refresh(now)

	e.failures++
	cooled := false
	if e.state == StateAvailable && e.failures >= tc.FailureThreshold {
		e.state = StateCoolingDown
		e.cooledAt = now
		cooled = true
		until := now.Add(tc.CooldownTTL)
		// cooldown_until only moves forward
		if until.After(e.cooldownUntil) {
			e.cooldownUntil = until
		}
	}
	t.mu.Unlock()

	if cooled && t.OnCooldown != nil {
		t.OnCooldown(providerType, baseURL)
	}
}

// RecordSuccess clears the failure streak for an available base URL.
func (t *AvailabilityTable) RecordSuccess(providerType, baseURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(providerType, baseURL)
	e.refresh(time.Now())
	if e.state == StateAvailable {
		e.failures = 0
	}
}

// MarkCooldown forces a base URL into cooling_down immediately,
// regardless of the failure streak. Used by envelope transport hooks
// for error classes that indicate the URL is dead (e.g. a regional
// endpoint rejecting the account).
func (t *AvailabilityTable) MarkCooldown(providerType, baseURL string) {
	tc := t.routing().TypeConfig(providerType)

	t.mu.Lock()
	now := time.Now()
	e := t.entry(providerType, baseURL)
	cooled := false
	if e.state != StateCoolingDown {
		e.state = StateCoolingDown
		e.cooledAt = now
		cooled = true
	}
	until := now.Add(tc.CooldownTTL)
	if until.After(e.cooldownUntil) {
		e.cooldownUntil = until
	}
	t.mu.Unlock()

	if cooled && t.OnCooldown != nil {
		t.OnCooldown(providerType, baseURL)
	}
}
