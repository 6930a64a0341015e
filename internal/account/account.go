// Package account holds the upstream account records the scheduler draws
// credentials from, and the concurrent pool that stores them.
package account

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Tier is the provider-reported subscription class of an account.
type Tier string

const (
	TierUltra   Tier = "ULTRA"
	TierPro     Tier = "PRO"
	TierFree    Tier = "FREE"
	TierUnknown Tier = ""
)

// ParseTier maps provider strings such as "g1-ultra-tier" or "pro" onto a Tier.
func ParseTier(s string) Tier {
	v := strings.ToUpper(strings.TrimSpace(s))
	switch {
	case v == "":
		return TierUnknown
	case strings.Contains(v, "ULTRA"):
		return TierUltra
	case strings.Contains(v, "PRO"):
		return TierPro
	case strings.Contains(v, "FREE"), strings.Contains(v, "STANDARD"):
		return TierFree
	default:
		return TierUnknown
	}
}

// Priority orders tiers for selection: lower is preferred.
func (t Tier) Priority() int {
	switch t {
	case TierUltra:
		return 0
	case TierPro:
		return 1
	case TierFree:
		return 2
	default:
		return 3
	}
}

// UnmarshalJSON accepts any spelling ParseTier understands.
func (t *Tier) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("tier: %w", err)
	}
	*t = ParseTier(raw)
	return nil
}

func (t Tier) String() string {
	if t == TierUnknown {
		return "UNKNOWN"
	}
	return string(t)
}

// TokenData is the OAuth credential of an account.
type TokenData struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	ExpiresAt    time.Time `json:"expiry_timestamp"`
	ProjectID    string    `json:"project_id,omitempty"`
}

// ExpiresWithin reports whether the token is expired or will be within margin.
func (t TokenData) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return !now.Before(t.ExpiresAt.Add(-margin))
}

// ModelQuota is the remaining allowance for one model, as a percentage.
type ModelQuota struct {
	Name       string    `json:"name"`
	Percentage int       `json:"percentage"`
	ResetTime  time.Time `json:"reset_time,omitempty"`
}

// QuotaData is the provider-reported quota snapshot of an account.
type QuotaData struct {
	Models           []ModelQuota `json:"models"`
	SubscriptionTier Tier         `json:"subscription_tier,omitempty"`
	IsForbidden      bool         `json:"is_forbidden"`
	LastUpdated      time.Time    `json:"last_updated,omitempty"`
}

// Model returns the quota entry for name, matched case-insensitively.
func (q *QuotaData) Model(name string) (ModelQuota, bool) {
	if q == nil {
		return ModelQuota{}, false
	}
	key := NormalizeModel(name)
	for _, m := range q.Models {
		if NormalizeModel(m.Name) == key {
			return m, true
		}
	}
	return ModelQuota{}, false
}

// Remaining is the aggregate remaining quota: the best percentage across
// models, or 0 when nothing has been reported.
func (q *QuotaData) Remaining() float64 {
	if q == nil || len(q.Models) == 0 {
		return 0
	}
	best := 0
	for _, m := range q.Models {
		best = max(best, m.Percentage)
	}
	return float64(best)
}

func (q *QuotaData) clone() *QuotaData {
	if q == nil {
		return nil
	}
	out := *q
	out.Models = slices.Clone(q.Models)
	return &out
}

// Account is one linked upstream identity.
type Account struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	Token           TokenData  `json:"token"`
	Quota           *QuotaData `json:"quota,omitempty"`
	Disabled        bool       `json:"disabled"`
	DisabledReason  string     `json:"disabled_reason,omitempty"`
	DisabledAt      time.Time  `json:"disabled_at,omitempty"`
	ProxyDisabled   bool       `json:"proxy_disabled"`
	ProtectedModels []string   `json:"protected_models,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	LastUsed        time.Time  `json:"last_used,omitempty"`
}

// Clone returns a deep copy safe to mutate.
func (a Account) Clone() Account {
	out := a
	out.Quota = a.Quota.clone()
	out.ProtectedModels = slices.Clone(a.ProtectedModels)
	return out
}

// Tier returns the subscription tier, or TierUnknown without quota data.
func (a Account) Tier() Tier {
	if a.Quota == nil {
		return TierUnknown
	}
	return a.Quota.SubscriptionTier
}

// Forbidden reports whether the provider has blocked the account entirely.
func (a Account) Forbidden() bool {
	return a.Quota != nil && a.Quota.IsForbidden
}

// IsModelProtected reports whether model is in the protected set.
func (a Account) IsModelProtected(model string) bool {
	_, found := slices.BinarySearch(a.ProtectedModels, NormalizeModel(model))
	return found
}

// NormalizeModel is the canonical form used for every model-name comparison.
func NormalizeModel(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

// ModelSet normalizes, de-duplicates and sorts model names so the result can
// be searched with IsModelProtected.
func ModelSet(models []string) []string {
	set := lo.Uniq(lo.Compact(lo.Map(models, func(m string, _ int) string {
		return NormalizeModel(m)
	})))
	slices.Sort(set)
	return set
}
