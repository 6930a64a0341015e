package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/pysugar/nexus-scheduler/internal/account"
	log "github.com/sirupsen/logrus"
)

// ReportSuccess records a fully successful exchange: the failure counter and
// every rate-limit record of the account are cleared.
func (s *Scheduler) ReportSuccess(accountID string) {
	s.limits.Clear(accountID)
	s.health.observe(accountID, OutcomeSuccess)
}

// ReportRateLimited marks the account, or one of its models when model is
// set, unavailable for retryAfter. It returns the effective reset time.
func (s *Scheduler) ReportRateLimited(accountID, model string, retryAfter time.Duration) time.Time {
	reset := s.limits.RecordRateLimit(accountID, model, retryAfter)
	s.health.observe(accountID, OutcomeRateLimited)
	log.WithFields(log.Fields{"account_id": accountID, "model": model}).
		Infof("⏳ Rate limited until %s", reset.Format(time.RFC3339))
	return reset
}

// ReportError records a 5xx or transport failure and reports whether it
// opened the account's circuit breaker.
func (s *Scheduler) ReportError(accountID string) bool {
	s.health.observe(accountID, OutcomeError)
	return s.limits.RecordError(accountID)
}

// ReportQuota stores a fresh quota snapshot and recomputes the account's
// protected models. It reports whether the protected set changed.
func (s *Scheduler) ReportQuota(ctx context.Context, accountID string, q account.QuotaData) (bool, error) {
	if q.LastUpdated.IsZero() {
		q.LastUpdated = s.now()
	}
	var changed bool
	updated, err := s.store.Update(ctx, accountID, func(a *account.Account) error {
		changed = s.protector.Apply(a, q)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("report quota: %w", err)
	}
	if changed {
		log.WithField("account_id", accountID).Infof("🛡️ Protected models for %s: %v", updated.Email, updated.ProtectedModels)
	}
	if updated.Forbidden() {
		log.WithField("account_id", accountID).Warnf("🚫 Account %s is forbidden by provider", updated.Email)
		s.evict(accountID)
	}
	return changed, nil
}

// ClearAccount closes the breaker and drops rate limits and health history.
func (s *Scheduler) ClearAccount(accountID string) {
	s.limits.Clear(accountID)
	s.health.forget(accountID)
	log.WithField("account_id", accountID).Info("🧹 Cleared failure state")
}

// DisableAccount takes the account out of rotation.
func (s *Scheduler) DisableAccount(ctx context.Context, accountID, reason string) error {
	if _, err := s.store.Get(accountID); err != nil {
		return err
	}
	s.disable(ctx, accountID, reason)
	return nil
}

// EnableAccount returns a disabled account to rotation with a clean slate.
func (s *Scheduler) EnableAccount(ctx context.Context, accountID string) (account.Account, error) {
	acc, err := s.store.Update(ctx, accountID, func(a *account.Account) error {
		a.Disabled = false
		a.DisabledReason = ""
		a.DisabledAt = time.Time{}
		return nil
	})
	if err != nil {
		return account.Account{}, fmt.Errorf("enable account: %w", err)
	}
	s.ClearAccount(accountID)
	return acc, nil
}

// SetProxyDisabled toggles whether the account may be handed to the
// dispatcher. The account keeps refreshing and reporting quota meanwhile.
func (s *Scheduler) SetProxyDisabled(ctx context.Context, accountID string, disabled bool) (account.Account, error) {
	acc, err := s.store.Update(ctx, accountID, func(a *account.Account) error {
		a.ProxyDisabled = disabled
		return nil
	})
	if err != nil {
		return account.Account{}, fmt.Errorf("set proxy disabled: %w", err)
	}
	if disabled {
		s.evict(accountID)
	}
	log.WithField("account_id", accountID).Infof("🔀 Proxy disabled for %s: %v", acc.Email, disabled)
	return acc, nil
}

// RemoveAccount deletes the account and every piece of scheduling state
// that refers to it.
func (s *Scheduler) RemoveAccount(ctx context.Context, accountID string) error {
	if err := s.store.Remove(ctx, accountID); err != nil {
		return err
	}
	s.evict(accountID)
	s.ClearAccount(accountID)
	return nil
}

// RefreshAccount forces a token refresh regardless of expiry.
func (s *Scheduler) RefreshAccount(ctx context.Context, accountID string) (account.Account, error) {
	acc, err := s.store.Get(accountID)
	if err != nil {
		return account.Account{}, err
	}
	if acc.Disabled {
		return account.Account{}, fmt.Errorf("account %s is disabled: %s", accountID, acc.DisabledReason)
	}
	return s.refreshAccount(ctx, acc)
}

// AccountStatus is the operator view of one account. Credentials are omitted.
type AccountStatus struct {
	ID               string               `json:"id"`
	Email            string               `json:"email"`
	Tier             string               `json:"tier"`
	RemainingQuota   float64              `json:"remaining_quota"`
	Health           float64              `json:"health"`
	Disabled         bool                 `json:"disabled"`
	DisabledReason   string               `json:"disabled_reason,omitempty"`
	ProxyDisabled    bool                 `json:"proxy_disabled"`
	Forbidden        bool                 `json:"forbidden"`
	ProtectedModels  []string             `json:"protected_models"`
	CircuitOpen      bool                 `json:"circuit_open"`
	Failures         int                  `json:"consecutive_failures"`
	RateLimitedUntil *time.Time           `json:"rate_limited_until,omitempty"`
	TokenExpiresAt   time.Time            `json:"token_expires_at"`
	LastUsed         *time.Time           `json:"last_used,omitempty"`
	Quota            []account.ModelQuota `json:"quota,omitempty"`
}

// Status returns the operator view of every account ordered by id.
func (s *Scheduler) Status() []AccountStatus {
	accounts := s.store.List()
	out := make([]AccountStatus, 0, len(accounts))
	for _, acc := range accounts {
		st := AccountStatus{
			ID:              acc.ID,
			Email:           acc.Email,
			Tier:            acc.Tier().String(),
			RemainingQuota:  acc.Quota.Remaining(),
			Health:          s.health.get(acc.ID),
			Disabled:        acc.Disabled,
			DisabledReason:  acc.DisabledReason,
			ProxyDisabled:   acc.ProxyDisabled,
			Forbidden:       acc.Forbidden(),
			ProtectedModels: acc.ProtectedModels,
			CircuitOpen:     s.limits.IsCircuitOpen(acc.ID),
			Failures:        s.limits.Failures(acc.ID),
			TokenExpiresAt:  acc.Token.ExpiresAt,
		}
		if st.ProtectedModels == nil {
			st.ProtectedModels = []string{}
		}
		if reset := s.limits.ResetAt(acc.ID, ""); !reset.IsZero() {
			st.RateLimitedUntil = &reset
		}
		if !acc.LastUsed.IsZero() {
			lastUsed := acc.LastUsed
			st.LastUsed = &lastUsed
		}
		if acc.Quota != nil {
			st.Quota = acc.Quota.Models
		}
		out = append(out, st)
	}
	return out
}

// Tokens returns the ranking view of every available account for model,
// best first.
func (s *Scheduler) Tokens(model string) []ProxyToken {
	return s.rank(account.NormalizeModel(model), func(string) bool { return false })
}
