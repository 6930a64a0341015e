package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pysugar/nexus-scheduler/internal/account"
	"github.com/pysugar/nexus-scheduler/internal/auth/token"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// refreshConcurrency bounds parallel refreshes against the identity provider.
const refreshConcurrency = 4

// RefreshExpiring refreshes every enabled account whose token is within the
// refresh margin and returns how many succeeded.
func (s *Scheduler) RefreshExpiring(ctx context.Context) int {
	cfg := s.cfg.Load()
	now := s.now()
	due := lo.Filter(s.store.List(), func(acc account.Account, _ int) bool {
		return !acc.Disabled && acc.Token.RefreshToken != "" && acc.Token.ExpiresWithin(now, cfg.RefreshMargin)
	})
	if len(due) == 0 {
		return 0
	}

	var refreshed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, acc := range due {
		g.Go(func() error {
			if _, err := s.refreshAccount(gctx, acc); err != nil {
				if !token.IsInvalidGrant(err) {
					log.WithField("account_id", acc.ID).Warnf("⏳ Background refresh failed for %s: %v", acc.Email, err)
				}
				return nil
			}
			refreshed.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	log.Printf("🔄 Background refresh: %d/%d accounts refreshed", refreshed.Load(), len(due))
	return int(refreshed.Load())
}

// StartRefreshLoop refreshes expiring tokens every interval until ctx is done.
func (s *Scheduler) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RefreshExpiring(ctx)
			}
		}
	}()
	log.Printf("🔄 Token refresh loop started (interval: %s)", interval)
}

// StartSweepLoop purges expired rate-limit records every interval.
func (s *Scheduler) StartSweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.limits.Sweep(); n > 0 {
					log.Debugf("🧹 Swept %d expired rate-limit records", n)
				}
			}
		}
	}()
}
