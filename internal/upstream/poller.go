package upstream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pysugar/nexus-scheduler/internal/account"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// QuotaReporter receives fresh quota snapshots.
type QuotaReporter interface {
	ReportQuota(ctx context.Context, accountID string, q account.QuotaData) (bool, error)
}

// QuotaFetcher is the subset of *Client the poller needs.
type QuotaFetcher interface {
	LoadCodeAssist(ctx context.Context, accessToken string) (CodeAssist, error)
	FetchQuota(ctx context.Context, accessToken, projectID string) (account.QuotaData, error)
}

// QuotaPoller periodically pulls quota for every enabled account and pushes
// it to the scheduler.
type QuotaPoller struct {
	fetcher     QuotaFetcher
	store       account.Store
	reporter    QuotaReporter
	concurrency int
}

// NewQuotaPoller creates a poller.
func NewQuotaPoller(fetcher QuotaFetcher, store account.Store, reporter QuotaReporter) *QuotaPoller {
	return &QuotaPoller{fetcher: fetcher, store: store, reporter: reporter, concurrency: 4}
}

// PollOnce refreshes quota for every enabled account with a usable token and
// returns how many were updated.
func (p *QuotaPoller) PollOnce(ctx context.Context) int {
	now := time.Now()
	targets := lo.Filter(p.store.List(), func(acc account.Account, _ int) bool {
		return !acc.Disabled && acc.Token.AccessToken != "" && !acc.Token.ExpiresWithin(now, 0)
	})

	var updated atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, acc := range targets {
		g.Go(func() error {
			if err := p.pollAccount(gctx, acc); err != nil {
				log.WithField("account_id", acc.ID).Warnf("⚠️ Quota poll failed for %s: %v", acc.Email, err)
				return nil
			}
			updated.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(updated.Load())
}

func (p *QuotaPoller) pollAccount(ctx context.Context, acc account.Account) error {
	tier := acc.Tier()
	projectID := acc.Token.ProjectID
	if tier == account.TierUnknown || projectID == "" {
		profile, err := p.fetcher.LoadCodeAssist(ctx, acc.Token.AccessToken)
		if err != nil {
			return err
		}
		tier = profile.Tier
		if projectID == "" {
			projectID = profile.ProjectID
		}
	}

	q, err := p.fetcher.FetchQuota(ctx, acc.Token.AccessToken, projectID)
	if err != nil {
		return err
	}
	if q.SubscriptionTier == account.TierUnknown {
		q.SubscriptionTier = tier
	}
	if projectID != "" && acc.Token.ProjectID == "" {
		if _, err := p.store.Update(ctx, acc.ID, func(a *account.Account) error {
			a.Token.ProjectID = projectID
			return nil
		}); err != nil {
			return err
		}
	}
	_, err = p.reporter.ReportQuota(ctx, acc.ID, q)
	return err
}

// Start polls every interval until ctx is done.
func (p *QuotaPoller) Start(ctx context.Context, interval time.Duration) {
	go func() {
		p.PollOnce(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := p.PollOnce(ctx)
				log.Debugf("📊 Quota poll updated %d accounts", n)
			}
		}
	}()
	log.Printf("📊 Quota poll loop started (interval: %s)", interval)
}
