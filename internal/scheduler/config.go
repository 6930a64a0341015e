package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/pysugar/nexus-scheduler/internal/quota"
	"github.com/pysugar/nexus-scheduler/internal/ratelimit"
)

// Mode selects which selection stages run.
type Mode string

const (
	// CacheFirst keeps sessions sticky and reuses the recently chosen account.
	CacheFirst Mode = "cache_first"
	// Balance keeps sessions sticky but otherwise ranks the whole pool.
	Balance Mode = "balance"
	// PerformanceFirst always ranks the whole pool.
	PerformanceFirst Mode = "performance_first"
)

// ParseMode accepts "CacheFirst", "cache-first", "cache_first" and so on.
func ParseMode(s string) (Mode, error) {
	key := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch key {
	case "", "cachefirst":
		return CacheFirst, nil
	case "balance":
		return Balance, nil
	case "performancefirst":
		return PerformanceFirst, nil
	}
	return "", fmt.Errorf("unknown scheduling mode %q", s)
}

func (m Mode) sessionSticky() bool {
	return m == CacheFirst || m == Balance
}

const (
	DefaultRefreshMargin = 300 * time.Second
	DefaultLockWindow    = 60 * time.Second
)

// Config is the runtime scheduling configuration. It can be replaced while
// the scheduler is serving with SetConfig.
type Config struct {
	Mode Mode
	// RefreshMargin is how long before expiry a token is refreshed.
	RefreshMargin time.Duration
	// LockWindow bounds how long the short-horizon lock reuses an account.
	LockWindow time.Duration
	// BalanceShortHorizonLock enables the lock in Balance mode.
	BalanceShortHorizonLock bool
	// StrictPinning fails selection instead of falling back when the pinned
	// account cannot serve the request.
	StrictPinning bool
	// PreferredAccountID pins every request that does not name its own account.
	PreferredAccountID string
	FailureThreshold   int
	Quota              quota.Config
}

// DefaultConfig returns the CacheFirst defaults.
func DefaultConfig() Config {
	return Config{
		Mode:             CacheFirst,
		RefreshMargin:    DefaultRefreshMargin,
		LockWindow:       DefaultLockWindow,
		FailureThreshold: ratelimit.DefaultFailureThreshold,
		Quota: quota.Config{
			Enabled:             false,
			ThresholdPercentage: quota.DefaultThresholdPercentage,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = CacheFirst
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = DefaultRefreshMargin
	}
	if c.LockWindow <= 0 {
		c.LockWindow = DefaultLockWindow
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = ratelimit.DefaultFailureThreshold
	}
	c.PreferredAccountID = strings.TrimSpace(c.PreferredAccountID)
	return c
}

func (c Config) lockEnabled() bool {
	switch c.Mode {
	case CacheFirst:
		return true
	case Balance:
		return c.BalanceShortHorizonLock
	}
	return false
}

// Override is a partial Config set at runtime through the admin API. Nil
// fields keep the base value, so an override survives config file reloads
// without masking unrelated settings.
type Override struct {
	Mode                    *string       `json:"mode,omitempty"`
	RefreshMarginSeconds    *int          `json:"refresh_margin_seconds,omitempty"`
	LockWindowSeconds       *int          `json:"lock_window_seconds,omitempty"`
	BalanceShortHorizonLock *bool         `json:"balance_short_horizon_lock,omitempty"`
	StrictPinning           *bool         `json:"strict_pinning,omitempty"`
	PreferredAccountID      *string       `json:"preferred_account_id,omitempty"`
	QuotaProtection         *quota.Config `json:"quota_protection,omitempty"`
}

// Apply returns base with the override's set fields replaced.
func (o Override) Apply(base Config) (Config, error) {
	out := base
	if o.Mode != nil {
		mode, err := ParseMode(*o.Mode)
		if err != nil {
			return Config{}, err
		}
		out.Mode = mode
	}
	if o.RefreshMarginSeconds != nil {
		if *o.RefreshMarginSeconds <= 0 {
			return Config{}, fmt.Errorf("refresh_margin_seconds must be positive")
		}
		out.RefreshMargin = time.Duration(*o.RefreshMarginSeconds) * time.Second
	}
	if o.LockWindowSeconds != nil {
		if *o.LockWindowSeconds <= 0 {
			return Config{}, fmt.Errorf("lock_window_seconds must be positive")
		}
		out.LockWindow = time.Duration(*o.LockWindowSeconds) * time.Second
	}
	if o.BalanceShortHorizonLock != nil {
		out.BalanceShortHorizonLock = *o.BalanceShortHorizonLock
	}
	if o.StrictPinning != nil {
		out.StrictPinning = *o.StrictPinning
	}
	if o.PreferredAccountID != nil {
		out.PreferredAccountID = strings.TrimSpace(*o.PreferredAccountID)
	}
	if o.QuotaProtection != nil {
		if o.QuotaProtection.ThresholdPercentage < 0 || o.QuotaProtection.ThresholdPercentage > 100 {
			return Config{}, fmt.Errorf("threshold_percentage must be within 0..100")
		}
		out.Quota = *o.QuotaProtection
	}
	return out, nil
}

// Merge overlays the set fields of next onto o.
func (o Override) Merge(next Override) Override {
	if next.Mode != nil {
		o.Mode = next.Mode
	}
	if next.RefreshMarginSeconds != nil {
		o.RefreshMarginSeconds = next.RefreshMarginSeconds
	}
	if next.LockWindowSeconds != nil {
		o.LockWindowSeconds = next.LockWindowSeconds
	}
	if next.BalanceShortHorizonLock != nil {
		o.BalanceShortHorizonLock = next.BalanceShortHorizonLock
	}
	if next.StrictPinning != nil {
		o.StrictPinning = next.StrictPinning
	}
	if next.PreferredAccountID != nil {
		o.PreferredAccountID = next.PreferredAccountID
	}
	if next.QuotaProtection != nil {
		o.QuotaProtection = next.QuotaProtection
	}
	return o
}

// ConfigView is the JSON form of Config for operators.
type ConfigView struct {
	Mode                    Mode         `json:"mode"`
	RefreshMarginSeconds    int          `json:"refresh_margin_seconds"`
	LockWindowSeconds       int          `json:"lock_window_seconds"`
	BalanceShortHorizonLock bool         `json:"balance_short_horizon_lock"`
	StrictPinning           bool         `json:"strict_pinning"`
	PreferredAccountID      string       `json:"preferred_account_id"`
	FailureThreshold        int          `json:"failure_threshold"`
	QuotaProtection         quota.Config `json:"quota_protection"`
}

// View returns the operator view of c.
func (c Config) View() ConfigView {
	return ConfigView{
		Mode:                    c.Mode,
		RefreshMarginSeconds:    int(c.RefreshMargin / time.Second),
		LockWindowSeconds:       int(c.LockWindow / time.Second),
		BalanceShortHorizonLock: c.BalanceShortHorizonLock,
		StrictPinning:           c.StrictPinning,
		PreferredAccountID:      c.PreferredAccountID,
		FailureThreshold:        c.FailureThreshold,
		QuotaProtection:         c.Quota,
	}
}
