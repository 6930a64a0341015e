package scheduler

import (
	"sync"
)

// Outcome is a confirmed result of an upstream exchange.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeError:
		return "error"
	}
	return "unknown"
}

// HealthPolicy computes the next health score from the current one. The
// result is clamped to [0, 1].
type HealthPolicy func(current float64, outcome Outcome) float64

// DefaultHealthPolicy recovers slowly on success and decays on failure.
func DefaultHealthPolicy(current float64, outcome Outcome) float64 {
	switch outcome {
	case OutcomeSuccess:
		return current + 0.1
	case OutcomeRateLimited:
		return current * 0.9
	case OutcomeError:
		return current * 0.8
	}
	return current
}

const defaultHealth = 1.0

type healthTable struct {
	mu     sync.RWMutex
	scores map[string]float64
	policy HealthPolicy
}

func newHealthTable(policy HealthPolicy) *healthTable {
	if policy == nil {
		policy = DefaultHealthPolicy
	}
	return &healthTable{scores: make(map[string]float64), policy: policy}
}

func (h *healthTable) get(accountID string) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s, ok := h.scores[accountID]; ok {
		return s
	}
	return defaultHealth
}

func (h *healthTable) observe(accountID string, outcome Outcome) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.scores[accountID]
	if !ok {
		cur = defaultHealth
	}
	next := min(max(h.policy(cur, outcome), 0), 1)
	h.scores[accountID] = next
	return next
}

func (h *healthTable) forget(accountID string) {
	h.mu.Lock()
	delete(h.scores, accountID)
	h.mu.Unlock()
}
