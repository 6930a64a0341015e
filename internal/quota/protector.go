// Package quota derives per-model availability from provider quota reports.
package quota

import (
	"slices"
	"sync/atomic"

	"github.com/pysugar/nexus-scheduler/internal/account"
	"github.com/samber/lo"
)

// DefaultThresholdPercentage protects a model once its remaining quota is at
// or below this value.
const DefaultThresholdPercentage = 10

// Config controls quota protection. An empty MonitoredModels list monitors
// every model present in the quota report.
type Config struct {
	Enabled             bool     `yaml:"enabled" json:"enabled"`
	ThresholdPercentage int      `yaml:"threshold_percentage" json:"threshold_percentage"`
	MonitoredModels     []string `yaml:"monitored_models" json:"monitored_models"`
}

// Protector is safe for concurrent use; its config can be swapped at runtime.
type Protector struct {
	cfg atomic.Pointer[Config]
}

// NewProtector creates a protector with cfg.
func NewProtector(cfg Config) *Protector {
	p := &Protector{}
	p.SetConfig(cfg)
	return p
}

// SetConfig replaces the protection settings. It takes effect on the next
// quota report; IsProtected also honours Enabled immediately.
func (p *Protector) SetConfig(cfg Config) {
	cfg.MonitoredModels = account.ModelSet(cfg.MonitoredModels)
	if cfg.ThresholdPercentage < 0 {
		cfg.ThresholdPercentage = 0
	}
	p.cfg.Store(&cfg)
}

// Config returns a copy of the active settings.
func (p *Protector) Config() Config {
	cfg := *p.cfg.Load()
	cfg.MonitoredModels = slices.Clone(cfg.MonitoredModels)
	return cfg
}

// Apply stores q on acc and recomputes acc.ProtectedModels. Applying the same
// report twice yields the same set. It reports whether the set changed.
func (p *Protector) Apply(acc *account.Account, q account.QuotaData) bool {
	before := acc.ProtectedModels
	q.Models = slices.Clone(q.Models)
	acc.Quota = &q
	acc.ProtectedModels = p.protectedModels(before, q)
	return !slices.Equal(before, acc.ProtectedModels)
}

func (p *Protector) protectedModels(current []string, q account.QuotaData) []string {
	cfg := p.cfg.Load()
	if !cfg.Enabled {
		return []string{}
	}

	reported := lo.SliceToMap(q.Models, func(m account.ModelQuota) (string, int) {
		return account.NormalizeModel(m.Name), m.Percentage
	})
	monitored := cfg.MonitoredModels
	if len(monitored) == 0 {
		// Every reported model, plus protected ones absent from this report.
		monitored = lo.Union(lo.Keys(reported), current)
	}

	var out []string
	for _, model := range monitored {
		pct, ok := reported[model]
		if !ok {
			// No fresh data for this model: keep whatever state it had.
			if slices.Contains(current, model) {
				out = append(out, model)
			}
			continue
		}
		if pct <= cfg.ThresholdPercentage {
			out = append(out, model)
		}
	}
	return account.ModelSet(out)
}

// IsProtected reports whether model must not be served from acc.
func (p *Protector) IsProtected(acc account.Account, model string) bool {
	if !p.cfg.Load().Enabled {
		return false
	}
	return acc.IsModelProtected(model)
}

// Unavailable reports whether acc cannot serve model for quota reasons: the
// provider forbids the account or the model is protected.
func (p *Protector) Unavailable(acc account.Account, model string) bool {
	return acc.Forbidden() || p.IsProtected(acc, model)
}
