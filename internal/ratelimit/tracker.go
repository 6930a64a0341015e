// Package ratelimit tracks temporary per-account and per-model unavailability
// and trips a per-account circuit breaker after repeated upstream failures.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/pysugar/nexus-scheduler/internal/account"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	// DefaultRetryAfter is applied when a 429 carries no usable delay.
	DefaultRetryAfter = 60 * time.Second

	// DefaultFailureThreshold is the consecutive error count that opens the breaker.
	DefaultFailureThreshold = 5

	// An open breaker only closes through Clear.
	manualResetTimeout = 100 * 365 * 24 * time.Hour
)

var errUpstreamFailure = errors.New("upstream failure")

type recordKey struct {
	accountID string
	model     string // empty for account-wide records
}

// TripFunc is called once each time an account's breaker opens.
type TripFunc func(accountID string, failures int)

// Tracker is safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	records  map[recordKey]time.Time
	failures map[string]int
	breakers map[string]*gobreaker.CircuitBreaker

	threshold int
	now       func() time.Time
	onTrip    TripFunc
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithTripHook registers a callback for breaker trips.
func WithTripHook(fn TripFunc) Option {
	return func(t *Tracker) { t.onTrip = fn }
}

// New creates a tracker whose breaker opens after threshold consecutive errors.
// A threshold <= 0 uses DefaultFailureThreshold.
func New(threshold int, opts ...Option) *Tracker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	t := &Tracker{
		records:   make(map[recordKey]time.Time),
		failures:  make(map[string]int),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		threshold: threshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Threshold returns the configured breaker threshold.
func (t *Tracker) Threshold() int {
	return t.threshold
}

// RecordRateLimit marks the account (or one of its models) unavailable for
// retryAfter. An existing later reset time is kept.
func (t *Tracker) RecordRateLimit(accountID, model string, retryAfter time.Duration) time.Time {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	key := recordKey{accountID: accountID, model: account.NormalizeModel(model)}
	reset := t.now().Add(retryAfter)

	t.mu.Lock()
	if cur, ok := t.records[key]; ok && cur.After(reset) {
		reset = cur
	}
	t.records[key] = reset
	t.mu.Unlock()
	return reset
}

// IsRateLimited reports whether an account-wide or exact-model record is
// still in effect.
func (t *Tracker) IsRateLimited(accountID, model string) bool {
	return t.now().Before(t.ResetAt(accountID, model))
}

// ResetAt returns the latest reset time among the records that apply to the
// account and model, or the zero time when none do.
func (t *Tracker) ResetAt(accountID, model string) time.Time {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()

	var latest time.Time
	if reset, ok := t.records[recordKey{accountID: accountID}]; ok && now.Before(reset) {
		latest = reset
	}
	if m := account.NormalizeModel(model); m != "" {
		if reset, ok := t.records[recordKey{accountID: accountID, model: m}]; ok && now.Before(reset) && reset.After(latest) {
			latest = reset
		}
	}
	return latest
}

func (t *Tracker) breaker(accountID string) *gobreaker.CircuitBreaker {
	t.mu.RLock()
	cb, ok := t.breakers[accountID]
	t.mu.RUnlock()
	if ok {
		return cb
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cb, ok = t.breakers[accountID]; ok {
		return cb
	}
	threshold := uint32(t.threshold)
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    accountID,
		Timeout: manualResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithField("account_id", name).Debugf("circuit %s -> %s", from, to)
		},
	})
	t.breakers[accountID] = cb
	return cb
}

// RecordError counts one failed exchange and reports whether this call
// opened the breaker.
func (t *Tracker) RecordError(accountID string) bool {
	cb := t.breaker(accountID)
	wasOpen := cb.State() == gobreaker.StateOpen
	_, _ = cb.Execute(func() (interface{}, error) {
		return nil, errUpstreamFailure
	})

	t.mu.Lock()
	t.failures[accountID]++
	failures := t.failures[accountID]
	t.mu.Unlock()

	tripped := !wasOpen && cb.State() == gobreaker.StateOpen
	if tripped {
		log.WithField("account_id", accountID).Warnf("🔌 Circuit opened after %d consecutive errors", failures)
		if t.onTrip != nil {
			t.onTrip(accountID, failures)
		}
	}
	return tripped
}

// Failures returns the consecutive error count since the last Clear.
func (t *Tracker) Failures(accountID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failures[accountID]
}

// IsCircuitOpen reports whether the account is suspended by its breaker.
func (t *Tracker) IsCircuitOpen(accountID string) bool {
	t.mu.RLock()
	cb, ok := t.breakers[accountID]
	t.mu.RUnlock()
	return ok && cb.State() == gobreaker.StateOpen
}

// Available is the combined filter: not rate limited for model and breaker closed.
func (t *Tracker) Available(accountID, model string) bool {
	return !t.IsCircuitOpen(accountID) && !t.IsRateLimited(accountID, model)
}

// Clear resets the failure counter, closes the breaker and drops every
// rate-limit record of the account.
func (t *Tracker) Clear(accountID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, accountID)
	delete(t.breakers, accountID)
	for k := range t.records {
		if k.accountID == accountID {
			delete(t.records, k)
		}
	}
}

// Sweep removes expired records and returns how many were dropped.
func (t *Tracker) Sweep() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, reset := range t.records {
		if !now.Before(reset) {
			delete(t.records, k)
			n++
		}
	}
	return n
}
