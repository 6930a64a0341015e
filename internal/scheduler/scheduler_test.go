package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pysugar/nexus-scheduler/internal/account"
	"github.com/pysugar/nexus-scheduler/internal/auth/token"
	"github.com/pysugar/nexus-scheduler/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRefresher struct {
	mu    sync.Mutex
	clock *testClock
	calls map[string]int
	errs  map[string]error
}

func newFakeRefresher(clock *testClock) *fakeRefresher {
	return &fakeRefresher{clock: clock, calls: make(map[string]int), errs: make(map[string]error)}
}

func (f *fakeRefresher) Refresh(_ context.Context, refreshToken string) (token.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[refreshToken]++
	if err := f.errs[refreshToken]; err != nil {
		return token.Token{}, err
	}
	return token.Token{
		AccessToken: "fresh-" + refreshToken,
		ExpiresIn:   3600,
		Expiry:      f.clock.Now().Add(time.Hour),
	}, nil
}

func (f *fakeRefresher) Calls(refreshToken string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[refreshToken]
}

func (f *fakeRefresher) Fail(refreshToken string, err error) {
	f.mu.Lock()
	f.errs[refreshToken] = err
	f.mu.Unlock()
}

type fixture struct {
	clock     *testClock
	pool      *account.Pool
	refresher *fakeRefresher
	sched     *Scheduler
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	clock := newTestClock()
	f := &fixture{
		clock:     clock,
		pool:      account.NewPool(nil),
		refresher: newFakeRefresher(clock),
	}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	f.sched = New(f.pool, f.refresher, cfg, opts...)
	return f
}

// add links an account whose token expires in an hour unless ttl is given.
func (f *fixture) add(t *testing.T, id string, tier account.Tier, pct int, ttl ...time.Duration) {
	t.Helper()
	expiresIn := time.Hour
	if len(ttl) > 0 {
		expiresIn = ttl[0]
	}
	_, err := f.pool.Add(context.Background(), account.Account{
		ID:    id,
		Email: id + "@example.com",
		Token: account.TokenData{
			AccessToken:  "at-" + id,
			RefreshToken: "rt-" + id,
			ExpiresAt:    f.clock.Now().Add(expiresIn),
		},
		Quota: &account.QuotaData{
			SubscriptionTier: tier,
			Models:           []account.ModelQuota{{Name: "x", Percentage: pct}},
		},
	})
	require.NoError(t, err)
}

func (f *fixture) selectID(t *testing.T, req Request) string {
	t.Helper()
	sel, err := f.sched.Select(context.Background(), req)
	require.NoError(t, err)
	return sel.AccountID
}

func cfgMode(m Mode) Config {
	cfg := DefaultConfig()
	cfg.Mode = m
	return cfg
}

func TestSelectPrefersTierOverQuota(t *testing.T) {
	f := newFixture(t, cfgMode(PerformanceFirst))
	f.add(t, "A", account.TierUltra, 80)
	f.add(t, "B", account.TierPro, 95)

	sel, err := f.sched.Select(context.Background(), Request{Model: "x"})
	require.NoError(t, err)
	assert.Equal(t, "A", sel.AccountID)
	assert.Equal(t, "at-A", sel.AccessToken)
	assert.Equal(t, "A@example.com", sel.Email)
	assert.Equal(t, StageRanked, sel.Stage)
}

func TestPerformanceFirstAlwaysReturnsUltra(t *testing.T) {
	f := newFixture(t, cfgMode(PerformanceFirst))
	f.add(t, "free", account.TierFree, 50)
	f.add(t, "pro", account.TierPro, 50)
	f.add(t, "ultra", account.TierUltra, 50)

	for i := 0; i < 20; i++ {
		assert.Equal(t, "ultra", f.selectID(t, Request{Model: "x"}))
	}
}

func TestRankingTieBreakers(t *testing.T) {
	f := newFixture(t, cfgMode(PerformanceFirst))
	f.add(t, "b", account.TierPro, 50)
	f.add(t, "a", account.TierPro, 50)
	f.add(t, "c", account.TierPro, 70)
	f.add(t, "unknown", account.TierUnknown, 100)

	tokens := f.sched.Tokens("x")
	ids := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		ids = append(ids, tok.AccountID)
	}
	assert.Equal(t, []string{"c", "a", "b", "unknown"}, ids)

	// A single error lowers a's health below b's.
	f.sched.ReportError("a")
	tokens = f.sched.Tokens("x")
	assert.Equal(t, "b", tokens[1].AccountID)
}

func TestCacheFirstReusesRecentAccount(t *testing.T) {
	f := newFixture(t, cfgMode(CacheFirst))
	f.add(t, "A", account.TierUltra, 80)
	f.add(t, "B", account.TierPro, 95)

	assert.Equal(t, "A", f.selectID(t, Request{Model: "x"}))
	sel, err := f.sched.Select(context.Background(), Request{Model: "x"})
	require.NoError(t, err)
	assert.Equal(t, "A", sel.AccountID)
	assert.Equal(t, StageLock, sel.Stage)
}

func TestShortHorizonLockOverridesRanking(t *testing.T) {
	f := newFixture(t, cfgMode(CacheFirst))
	f.add(t, "A", account.TierUltra, 80)
	f.add(t, "B", account.TierPro, 95)

	// A failed upstream for the first logical request, so B is picked.
	assert.Equal(t, "B", f.selectID(t, Request{Model: "x", Attempted: []string{"A"}}))

	f.clock.Advance(59 * time.Second)
	assert.Equal(t, "B", f.selectID(t, Request{Model: "x"}))

	// The second selection refreshed the slot; let it lapse.
	f.clock.Advance(61 * time.Second)
	assert.Equal(t, "A", f.selectID(t, Request{Model: "x"}))
}

func TestPerformanceFirstIgnoresLock(t *testing.T) {
	f := newFixture(t, cfgMode(PerformanceFirst))
	f.add(t, "A", account.TierUltra, 80)
	f.add(t, "B", account.TierPro, 95)

	assert.Equal(t, "B", f.selectID(t, Request{Model: "x", Attempted: []string{"A"}}))
	assert.Equal(t, "A", f.selectID(t, Request{Model: "x"}))
}

func TestBalanceLockIsOptional(t *testing.T) {
	cfg := cfgMode(Balance)
	f := newFixture(t, cfg)
	f.add(t, "A", account.TierUltra, 80)
	f.add(t, "B", account.TierPro, 95)

	f.selectID(t, Request{Model: "x", Attempted: []string{"A"}})
	assert.Equal(t, "A", f.selectID(t, Request{Model: "x"}))

	cfg.BalanceShortHorizonLock = true
	f.sched.SetConfig(cfg)
	f.selectID(t, Request{Model: "x", Attempted: []string{"A"}})
	assert.Equal(t, "B", f.selectID(t, Request{Model: "x"}))
}

func TestQuotaProtectionIsPerModel(t *testing.T) {
	cfg := cfgMode(PerformanceFirst)
	cfg.Quota = quota.Config{Enabled: true, ThresholdPercentage: 10}
	f := newFixture(t, cfg)
	f.add(t, "C", account.TierPro, 100)

	changed, err := f.sched.ReportQuota(context.Background(), "C", account.QuotaData{
		SubscriptionTier: account.TierPro,
		Models: []account.ModelQuota{
			{Name: "y", Percentage: 5},
			{Name: "z", Percentage: 80},
		},
	})
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = f.sched.Select(context.Background(), Request{Model: "y"})
	assert.ErrorIs(t, err, ErrNoAvailableAccount)
	assert.Equal(t, "C", f.selectID(t, Request{Model: "z"}))
}

func TestReportQuotaIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Quota = quota.Config{Enabled: true, ThresholdPercentage: 10}
	f := newFixture(t, cfg)
	f.add(t, "C", account.TierPro, 100)

	q := account.QuotaData{Models: []account.ModelQuota{{Name: "y", Percentage: 5}, {Name: "z", Percentage: 9}}}
	ctx := context.Background()
	_, err := f.sched.ReportQuota(ctx, "C", q)
	require.NoError(t, err)
	first, _ := f.pool.Get("C")

	for i := 0; i < 3; i++ {
		changed, err := f.sched.ReportQuota(ctx, "C", q)
		require.NoError(t, err)
		assert.False(t, changed)
		acc, _ := f.pool.Get("C")
		assert.Equal(t, first.ProtectedModels, acc.ProtectedModels)
	}
}

func TestRateLimitedAccountIsExcludedForModel(t *testing.T) {
	f := newFixture(t, cfgMode(PerformanceFirst))
	f.add(t, "A", account.TierUltra, 80)
	f.add(t, "B", account.TierPro, 95)

	f.sched.ReportRateLimited("A", "m", 30*time.Second)
	for i := 0; i < 29; i++ {
		assert.Equal(t, "B", f.selectID(t, Request{Model: "m"}))
		f.clock.Advance(time.Second)
	}
	assert.Equal(t, "A", f.selectID(t, Request{Model: "other"}))

	f.clock.Advance(time.Second)
	assert.Equal(t, "A", f.selectID(t, Request{Model: "m"}))
}

func TestNoAvailableAccountCarriesRetryHint(t *testing.T) {
	f := newFixture(t, cfgMode(PerformanceFirst))
	f.add(t, "A", account.TierUltra, 80)
	f.sched.ReportRateLimited("A", "", 45*time.Second)

	_, err := f.sched.Select(context.Background(), Request{Model: "m"})
	var schedErr *SchedulingError
	require.ErrorAs(t, err, &schedErr)
	assert.True(t, errors.Is(err, ErrNoAvailableAccount))
	assert.Equal(t, 45*time.Second, schedErr.RetryAfter)
}

func TestCircuitBreakerExcludesUntilCleared(t *testing.T) {
	cfg := cfgMode(PerformanceFirst)
	cfg.FailureThreshold = 3
	f := newFixture(t, cfg)
	f.add(t, "A", account.TierUltra, 80)
	f.add(t, "B", account.TierPro, 95)

	assert.False(t, f.sched.ReportError("A"))
	assert.False(t, f.sched.ReportError("A"))
	assert.True(t, f.sched.ReportError("A"))

	f.clock.Advance(time.Hour)
	for i := 0; i < 5; i++ {
		assert.Equal(t, "B", f.selectID(t, Request{Model: "x"}))
	}

	f.sched.ClearAccount("A")
	assert.Equal(t, "A", f.selectID(t, Request{Model: "x"}))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cfg := cfgMode(PerformanceFirst)
	cfg.FailureThreshold = 2
	f := newFixture(t, cfg)
	f.add(t, "A", account.TierUltra, 80)

	f.sched.ReportError("A")
	f.sched.ReportSuccess("A")
	f.sched.ReportError("A")
	assert.Equal(t, "A", f.selectID(t, Request{Model: "x"}))
}

func TestRefreshMargin(t *testing.T) {
	f := newFixture(t, cfgMode(PerformanceFirst))
	f.add(t, "soon", account.TierUltra, 80, 200*time.Second)
	f.add(t, "later", account.TierPro, 80, 400*time.Second)

	sel, err := f.sched.Select(context.Background(), Request{Model: "x"})
	require.NoError(t, err)
	assert.Equal(t, "soon", sel.AccountID)
	assert.Equal(t, "fresh-rt-soon", sel.AccessToken)
	assert.Equal(t, 1, f.refresher.Calls("rt-soon"))

	stored, _ := f.pool.Get("soon")
	assert.Equal(t, f.clock.Now().Add(time.Hour), stored.Token.ExpiresAt)

	sel, err = f.sched.Select(context.Background(), Request{Model: "x", Attempted: []string{"soon"}})
	require.NoError(t, err)
	assert.Equal(t, "later", sel.AccountID)
	assert.Equal(t, "at-later", sel.AccessToken)
	assert.Equal(t, 0, f.refresher.Calls("rt-later"))
}

func TestInvalidGrantDisablesAccount(t *testing.T) {
	f := newFixture(t, cfgMode(CacheFirst))
	f.add(t, "A", account.TierUltra, 80, 10*time.Second)
	f.add(t, "B", account.TierPro, 95)
	f.refresher.Fail("rt-A", &token.AuthError{Kind: token.InvalidGrant, Err: errors.New("invalid_grant")})
	f.sched.Sessions().Bind("old-session", "A")

	assert.Equal(t, "B", f.selectID(t, Request{Model: "x"}))

	acc, _ := f.pool.Get("A")
	assert.True(t, acc.Disabled)
	assert.Contains(t, acc.DisabledReason, "invalid_grant")
	_, bound := f.sched.Sessions().Resolve("old-session")
	assert.False(t, bound)

	// Never retried.
	f.selectID(t, Request{Model: "x"})
	assert.Equal(t, 1, f.refresher.Calls("rt-A"))
}

func TestTransientRefreshServesStaleToken(t *testing.T) {
	f := newFixture(t, cfgMode(PerformanceFirst))
	f.add(t, "A", account.TierUltra, 80, 100*time.Second)
	f.refresher.Fail("rt-A", &token.AuthError{Kind: token.Transient, Err: errors.New("timeout")})

	sel, err := f.sched.Select(context.Background(), Request{Model: "x"})
	require.NoError(t, err)
	assert.Equal(t, "at-A", sel.AccessToken)

	acc, _ := f.pool.Get("A")
	assert.False(t, acc.Disabled)
}

func TestTransientRefreshOnExpiredTokenFallsThrough(t *testing.T) {
	f := newFixture(t, cfgMode(PerformanceFirst))
	f.add(t, "A", account.TierUltra, 80, -time.Second)
	f.add(t, "B", account.TierPro, 95)
	f.refresher.Fail("rt-A", &token.AuthError{Kind: token.Transient, Err: errors.New("timeout")})

	assert.Equal(t, "B", f.selectID(t, Request{Model: "x"}))
	acc, _ := f.pool.Get("A")
	assert.False(t, acc.Disabled)
}

func TestSessionStaysOnBoundAccount(t *testing.T) {
	f := newFixture(t, cfgMode(Balance))
	f.add(t, "A", account.TierUltra, 80)
	f.add(t, "B", account.TierPro, 95)

	assert.Equal(t, "B", f.selectID(t, Request{Model: "x", SessionID: "s", Attempted: []string{"A"}}))
	for i := 0; i < 10; i++ {
		sel, err := f.sched.Select(context.Background(), Request{Model: "x", SessionID: "s"})
		require.NoError(t, err)
		assert.Equal(t, "B", sel.AccountID)
		assert.Equal(t, StageSession, sel.Stage)
	}
}

func TestUnavailableSessionRebindsInSameCall(t *testing.T) {
	f := newFixture(t, cfgMode(Balance))
	f.add(t, "A", account.TierUltra, 80)
	f.add(t, "B", account.TierPro, 95)

	assert.Equal(t, "A", f.selectID(t, Request{Model: "m", SessionID: "s"}))
	f.sched.ReportRateLimited("A", "m", time.Minute)

	sel, err := f.sched.Select(context.Background(), Request{Model: "m", SessionID: "s"})
	require.NoError(t, err)
	assert.Equal(t, "B", sel.AccountID)
	assert.Equal(t, StageRanked, sel.Stage)

	bound, ok := f.sched.Sessions().Resolve("s")
	require.True(t, ok)
	assert.Equal(t, "B", bound)
}

func TestPerformanceFirstDoesNotBindSessions(t *testing.T) {
	f := newFixture(t, cfgMode(PerformanceFirst))
	f.add(t, "A", account.TierUltra, 80)

	f.selectID(t, Request{Model: "x", SessionID: "s"})
	assert.Equal(t, 0, f.sched.Sessions().Len())
}

func TestConcurrentFirstSelectionsShareOneBinding(t *testing.T) {
	f := newFixture(t, cfgMode(CacheFirst))
	ids := []string{"A", "B", "C", "D"}
	for _, id := range ids {
		f.add(t, id, account.TierPro, 50)
	}

	const n = 32
	results := make([]string, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			sel, err := f.sched.Select(context.Background(), Request{
				Model:              "x",
				SessionID:          "shared",
				PreferredAccountID: ids[i%len(ids)],
			})
			assert.NoError(t, err)
			results[i] = sel.AccountID
		}(i)
	}
	close(start)
	wg.Wait()

	bound, ok := f.sched.Sessions().Resolve("shared")
	require.True(t, ok)
	for _, r := range results {
		assert.Equal(t, bound, r)
	}
}

// A selection that loses the session bind serves the winner, and the winner
// gets the same token refresh any other candidate would.
func TestLostSessionBindRefreshesWinner(t *testing.T) {
	f := newFixture(t, cfgMode(CacheFirst))
	f.add(t, "winner", account.TierPro, 50, 200*time.Second)
	f.add(t, "loser", account.TierPro, 50)
	_, created := f.sched.Sessions().Bind("s", "winner")
	require.True(t, created)

	loser, err := f.pool.Get("loser")
	require.NoError(t, err)
	cfg := f.sched.Config()
	sel, ok := f.sched.finalize(context.Background(), &cfg, loser, Request{Model: "x", SessionID: "s"}, StageRanked, func(string) bool { return false })
	require.True(t, ok)
	assert.Equal(t, "winner", sel.AccountID)
	assert.Equal(t, StageSession, sel.Stage)
	assert.Equal(t, "fresh-rt-winner", sel.AccessToken)
	assert.Equal(t, 1, f.refresher.Calls("rt-winner"))

	stored, _ := f.pool.Get("winner")
	assert.Equal(t, f.clock.Now().Add(time.Hour), stored.Token.ExpiresAt)
	assert.Equal(t, f.clock.Now(), stored.LastUsed)
	stored, _ = f.pool.Get("loser")
	assert.True(t, stored.LastUsed.IsZero())

	bound, _ := f.sched.Sessions().Resolve("s")
	assert.Equal(t, "winner", bound)
}

// A winner whose refresh fails hard is skipped and the session moves to the
// caller's account.
func TestLostSessionBindRebindsWhenWinnerCannotRefresh(t *testing.T) {
	f := newFixture(t, cfgMode(CacheFirst))
	f.add(t, "winner", account.TierPro, 50, -time.Minute)
	f.add(t, "loser", account.TierPro, 50)
	f.refresher.Fail("rt-winner", errors.New("connection reset"))
	f.sched.Sessions().Bind("s", "winner")

	loser, err := f.pool.Get("loser")
	require.NoError(t, err)
	cfg := f.sched.Config()
	sel, ok := f.sched.finalize(context.Background(), &cfg, loser, Request{Model: "x", SessionID: "s"}, StageRanked, func(string) bool { return false })
	require.True(t, ok)
	assert.Equal(t, "loser", sel.AccountID)

	bound, _ := f.sched.Sessions().Resolve("s")
	assert.Equal(t, "loser", bound)
}

// The lock slot is a best-effort hint: concurrent writers may each install
// their own account and two requests can be served by different accounts
// inside one window. Every result must still be a valid account and the slot
// must end up holding one of them.
func TestShortHorizonLockToleratesRace(t *testing.T) {
	f := newFixture(t, cfgMode(CacheFirst))
	f.add(t, "A", account.TierUltra, 80)
	f.add(t, "B", account.TierPro, 95)

	var wg sync.WaitGroup
	results := make(chan string, 2)
	start := make(chan struct{})
	for _, skip := range []string{"A", "B"} {
		wg.Add(1)
		go func(skip string) {
			defer wg.Done()
			<-start
			sel, err := f.sched.Select(context.Background(), Request{Model: "x", Attempted: []string{skip}})
			assert.NoError(t, err)
			results <- sel.AccountID
		}(skip)
	}
	close(start)
	wg.Wait()
	close(results)

	served := map[string]bool{}
	for id := range results {
		served[id] = true
	}
	assert.Equal(t, map[string]bool{"A": true, "B": true}, served)

	next := f.selectID(t, Request{Model: "x"})
	assert.Contains(t, served, next)
}

func TestPinnedAccount(t *testing.T) {
	f := newFixture(t, cfgMode(PerformanceFirst))
	f.add(t, "A", account.TierUltra, 80)
	f.add(t, "B", account.TierFree, 10)

	sel, err := f.sched.Select(context.Background(), Request{Model: "x", PreferredAccountID: "B"})
	require.NoError(t, err)
	assert.Equal(t, "B", sel.AccountID)
	assert.Equal(t, StagePinned, sel.Stage)

	f.sched.ReportRateLimited("B", "", time.Minute)
	assert.Equal(t, "A", f.selectID(t, Request{Model: "x", PreferredAccountID: "B"}))
}

func TestStrictPinningFails(t *testing.T) {
	cfg := cfgMode(PerformanceFirst)
	cfg.StrictPinning = true
	cfg.PreferredAccountID = "B"
	f := newFixture(t, cfg)
	f.add(t, "A", account.TierUltra, 80)
	f.add(t, "B", account.TierFree, 10)

	assert.Equal(t, "B", f.selectID(t, Request{Model: "x"}))

	f.sched.ReportRateLimited("B", "", time.Minute)
	_, err := f.sched.Select(context.Background(), Request{Model: "x"})
	assert.ErrorIs(t, err, ErrNoAvailableAccount)
}

func TestUnavailableAccountsAreNeverReturned(t *testing.T) {
	f := newFixture(t, cfgMode(PerformanceFirst))
	ctx := context.Background()
	f.add(t, "disabled", account.TierUltra, 100)
	f.add(t, "forbidden", account.TierUltra, 100)
	f.add(t, "proxy-off", account.TierUltra, 100)
	f.add(t, "ok", account.TierFree, 1)

	_, err := f.pool.Update(ctx, "disabled", func(a *account.Account) error { a.Disabled = true; return nil })
	require.NoError(t, err)
	_, err = f.pool.Update(ctx, "proxy-off", func(a *account.Account) error { a.ProxyDisabled = true; return nil })
	require.NoError(t, err)
	_, err = f.sched.ReportQuota(ctx, "forbidden", account.QuotaData{IsForbidden: true, SubscriptionTier: account.TierUltra})
	require.NoError(t, err)

	for _, pin := range []string{"", "disabled", "forbidden", "proxy-off"} {
		assert.Equal(t, "ok", f.selectID(t, Request{Model: "x", PreferredAccountID: pin}))
	}
}

func TestEnableAccount(t *testing.T) {
	f := newFixture(t, cfgMode(PerformanceFirst))
	ctx := context.Background()
	f.add(t, "A", account.TierUltra, 80)
	require.NoError(t, f.sched.DisableAccount(ctx, "A", "manual"))

	_, err := f.sched.Select(ctx, Request{Model: "x"})
	require.ErrorIs(t, err, ErrNoAvailableAccount)

	_, err = f.sched.EnableAccount(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "A", f.selectID(t, Request{Model: "x"}))
}

func TestCustomHealthPolicy(t *testing.T) {
	zeroOnError := func(current float64, o Outcome) float64 {
		if o == OutcomeError {
			return -1
		}
		return current
	}
	f := newFixture(t, cfgMode(PerformanceFirst), WithHealthPolicy(zeroOnError))
	f.add(t, "A", account.TierPro, 50)
	f.add(t, "B", account.TierPro, 50)

	f.sched.ReportError("A")
	assert.Equal(t, "B", f.selectID(t, Request{Model: "x"}))

	status := f.sched.Status()
	require.Len(t, status, 2)
	assert.Equal(t, 0.0, status[0].Health)
	assert.Equal(t, 1, status[0].Failures)
}

func TestApplyTokenIsMonotonic(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	acc := account.Account{Token: account.TokenData{AccessToken: "newer", RefreshToken: "rt", ExpiresAt: now.Add(2 * time.Hour)}}

	applyToken(&acc, token.Token{AccessToken: "older", Expiry: now.Add(time.Hour)}, now)
	assert.Equal(t, "newer", acc.Token.AccessToken)

	applyToken(&acc, token.Token{AccessToken: "newest", RefreshToken: "rt2", ExpiresIn: 10800}, now)
	assert.Equal(t, "newest", acc.Token.AccessToken)
	assert.Equal(t, "rt2", acc.Token.RefreshToken)
	assert.Equal(t, now.Add(3*time.Hour), acc.Token.ExpiresAt)
}

func TestRefreshExpiring(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	for i := 0; i < 5; i++ {
		f.add(t, fmt.Sprintf("due-%d", i), account.TierPro, 50, time.Minute)
	}
	f.add(t, "fresh", account.TierPro, 50)

	assert.Equal(t, 5, f.sched.RefreshExpiring(context.Background()))
	assert.Equal(t, 0, f.refresher.Calls("rt-fresh"))
	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, f.refresher.Calls(fmt.Sprintf("rt-due-%d", i)))
	}
}

func TestSelectHonoursCancelledContext(t *testing.T) {
	f := newFixture(t, cfgMode(PerformanceFirst))
	f.add(t, "A", account.TierUltra, 80)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.sched.Select(ctx, Request{Model: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"CacheFirst":        CacheFirst,
		"cache-first":       CacheFirst,
		"":                  CacheFirst,
		"Balance":           Balance,
		"PERFORMANCE_FIRST": PerformanceFirst,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("round-robin")
	assert.Error(t, err)
}

func TestOverrideRejectsNonPositiveDurations(t *testing.T) {
	base := DefaultConfig()
	for _, secs := range []int{0, -5} {
		secs := secs
		_, err := Override{RefreshMarginSeconds: &secs}.Apply(base)
		assert.ErrorContains(t, err, "refresh_margin_seconds must be positive", secs)
		_, err = Override{LockWindowSeconds: &secs}.Apply(base)
		assert.ErrorContains(t, err, "lock_window_seconds must be positive", secs)
	}

	one := 1
	cfg, err := Override{RefreshMarginSeconds: &one, LockWindowSeconds: &one}.Apply(base)
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.RefreshMargin)
	assert.Equal(t, time.Second, cfg.LockWindow)
}
