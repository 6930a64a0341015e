// Package scheduler decides which upstream account serves each request.
//
// Selection runs in stages: an explicitly pinned account, the account bound
// to the caller's session, the short-horizon lock (the account picked most
// recently), and finally a ranking of the whole pool by tier, remaining
// quota and health. Tokens close to expiry are refreshed before they are
// handed out. The dispatcher reports upstream outcomes back so rate limits,
// quota protection and the circuit breaker take effect on later selections.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/pysugar/nexus-scheduler/internal/account"
	"github.com/pysugar/nexus-scheduler/internal/auth/token"
	"github.com/pysugar/nexus-scheduler/internal/logging"
	"github.com/pysugar/nexus-scheduler/internal/quota"
	"github.com/pysugar/nexus-scheduler/internal/ratelimit"
	"github.com/pysugar/nexus-scheduler/internal/session"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// Stage names the selection stage that produced a Selection.
type Stage string

const (
	StagePinned  Stage = "pinned"
	StageSession Stage = "session"
	StageLock    Stage = "lock"
	StageRanked  Stage = "ranked"
)

// Request describes one selection.
type Request struct {
	Model     string `json:"model"`
	SessionID string `json:"session_id,omitempty"`
	// PreferredAccountID pins this request; it overrides the configured
	// fixed account.
	PreferredAccountID string `json:"preferred_account_id,omitempty"`
	// Attempted lists accounts that already failed upstream for the same
	// logical request.
	Attempted []string `json:"attempted,omitempty"`
}

// Selection is the credential handed to the dispatcher.
type Selection struct {
	AccountID   string       `json:"account_id"`
	AccessToken string       `json:"access_token"`
	ProjectID   string       `json:"project_id,omitempty"`
	Email       string       `json:"email"`
	Tier        account.Tier `json:"tier"`
	Stage       Stage        `json:"stage"`
}

// ProxyToken is the ranking view of one account. It is rebuilt from the
// account on every selection.
type ProxyToken struct {
	AccountID      string       `json:"account_id"`
	AccessToken    string       `json:"access_token,omitempty"`
	Tier           account.Tier `json:"tier"`
	RemainingQuota float64      `json:"remaining_quota"`
	Health         float64      `json:"health"`
}

type lockSlot struct {
	accountID string
	at        time.Time
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	store     account.Store
	refresher token.Refresher

	cfg       atomic.Pointer[Config]
	limits    *ratelimit.Tracker
	protector *quota.Protector
	sessions  *session.Affinity
	health    *healthTable

	// lock is written by every non-session selection without coordination.
	// Two concurrent selections may both miss it and pick different accounts.
	lock atomic.Pointer[lockSlot]

	now func() time.Time
}

type options struct {
	now    func() time.Time
	health HealthPolicy
}

// Option configures a Scheduler.
type Option func(*options)

// WithClock overrides time.Now for the scheduler and its rate-limit tracker.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithHealthPolicy replaces DefaultHealthPolicy.
func WithHealthPolicy(p HealthPolicy) Option {
	return func(o *options) { o.health = p }
}

// New creates a scheduler over store. refresher may be nil when tokens are
// never refreshed (tests, static credentials).
func New(store account.Store, refresher token.Refresher, cfg Config, opts ...Option) *Scheduler {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()

	s := &Scheduler{
		store:     store,
		refresher: refresher,
		protector: quota.NewProtector(cfg.Quota),
		sessions:  session.NewAffinity(),
		health:    newHealthTable(o.health),
		now:       o.now,
	}
	s.limits = ratelimit.New(cfg.FailureThreshold,
		ratelimit.WithClock(o.now),
		ratelimit.WithTripHook(func(accountID string, _ int) {
			s.evict(accountID)
		}),
	)
	s.cfg.Store(&cfg)
	return s
}

// Config returns the active configuration.
func (s *Scheduler) Config() Config {
	cfg := *s.cfg.Load()
	cfg.Quota = s.protector.Config()
	return cfg
}

// SetConfig swaps the configuration. The breaker threshold is fixed at
// construction and is not changed.
func (s *Scheduler) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	if cfg.FailureThreshold != s.limits.Threshold() {
		log.Warnf("⚠️ failure_threshold change (%d -> %d) requires a restart", s.limits.Threshold(), cfg.FailureThreshold)
		cfg.FailureThreshold = s.limits.Threshold()
	}
	s.protector.SetConfig(cfg.Quota)
	s.cfg.Store(&cfg)
	log.Printf("⚙️ Scheduling config updated: mode=%s quota_protection=%v", cfg.Mode, cfg.Quota.Enabled)
}

// Store exposes the account store.
func (s *Scheduler) Store() account.Store { return s.store }

// Sessions exposes the session binding table.
func (s *Scheduler) Sessions() *session.Affinity { return s.sessions }

// Limits exposes the rate-limit tracker.
func (s *Scheduler) Limits() *ratelimit.Tracker { return s.limits }

// Select returns the credential that should serve req. It never performs the
// upstream call and never retries; callers re-invoke it with the failed
// account added to req.Attempted.
func (s *Scheduler) Select(ctx context.Context, req Request) (Selection, error) {
	cfg := s.cfg.Load()
	model := account.NormalizeModel(req.Model)
	attempted := lo.SliceToMap(req.Attempted, func(id string) (string, struct{}) {
		return id, struct{}{}
	})
	skip := func(id string) bool {
		_, ok := attempted[id]
		return ok
	}
	logger := logging.Entry(ctx).WithField("model", model)

	// Stage 1: pinned account.
	pinned := req.PreferredAccountID
	if pinned == "" {
		pinned = cfg.PreferredAccountID
	}
	if pinned != "" {
		if !skip(pinned) {
			if acc, err := s.store.Get(pinned); err == nil && s.available(acc, model) {
				if sel, ok := s.finalize(ctx, cfg, acc, req, StagePinned, skip); ok {
					return sel, nil
				}
			}
			attempted[pinned] = struct{}{}
		}
		if cfg.StrictPinning {
			logger.WithField("account_id", pinned).Warn("⚠️ Pinned account unavailable and strict pinning is on")
			return Selection{}, s.noAvailable(model)
		}
		logger.WithField("account_id", pinned).Debug("pinned account unavailable, falling back")
	}

	// Stage 2: session stickiness.
	if cfg.Mode.sessionSticky() && req.SessionID != "" {
		if id, ok := s.sessions.Resolve(req.SessionID); ok {
			if !skip(id) {
				if acc, err := s.store.Get(id); err == nil && s.available(acc, model) {
					if sel, ok := s.finalize(ctx, cfg, acc, req, StageSession, skip); ok {
						return sel, nil
					}
				}
			}
			// Unavailable: drop the binding and rebind below in this same call.
			if s.sessions.UnbindIf(req.SessionID, id) {
				logger.WithField("account_id", id).Infof("🔓 Session %s unbound from unavailable account", req.SessionID)
			}
			attempted[id] = struct{}{}
		}
	}

	// Stage 3: short-horizon lock.
	if cfg.lockEnabled() {
		if slot := s.lock.Load(); slot != nil && s.now().Sub(slot.at) < cfg.LockWindow && !skip(slot.accountID) {
			if acc, err := s.store.Get(slot.accountID); err == nil && s.available(acc, model) {
				if sel, ok := s.finalize(ctx, cfg, acc, req, StageLock, skip); ok {
					return sel, nil
				}
				attempted[slot.accountID] = struct{}{}
			}
		}
	}

	// Stage 4: rank the pool once and walk it.
	for _, cand := range s.rank(model, skip) {
		if err := ctx.Err(); err != nil {
			return Selection{}, fmt.Errorf("select: %w", err)
		}
		acc, err := s.store.Get(cand.AccountID)
		if err != nil {
			continue
		}
		if sel, ok := s.finalize(ctx, cfg, acc, req, StageRanked, skip); ok {
			return sel, nil
		}
		attempted[cand.AccountID] = struct{}{}
	}

	if err := ctx.Err(); err != nil {
		return Selection{}, fmt.Errorf("select: %w", err)
	}
	logger.Warn("🚫 No available account")
	return Selection{}, s.noAvailable(model)
}

// available applies every selection filter to acc for model.
func (s *Scheduler) available(acc account.Account, model string) bool {
	if acc.Disabled || acc.ProxyDisabled || acc.Forbidden() {
		return false
	}
	if !s.limits.Available(acc.ID, model) {
		return false
	}
	return !s.protector.IsProtected(acc, model)
}

// Available reports whether accountID could currently serve model.
func (s *Scheduler) Available(accountID, model string) bool {
	acc, err := s.store.Get(accountID)
	if err != nil {
		return false
	}
	return s.available(acc, account.NormalizeModel(model))
}

func (s *Scheduler) proxyToken(acc account.Account) ProxyToken {
	return ProxyToken{
		AccountID:      acc.ID,
		AccessToken:    acc.Token.AccessToken,
		Tier:           acc.Tier(),
		RemainingQuota: acc.Quota.Remaining(),
		Health:         s.health.get(acc.ID),
	}
}

// rank returns the available candidates best first.
func (s *Scheduler) rank(model string, skip func(string) bool) []ProxyToken {
	var out []ProxyToken
	for _, acc := range s.store.List() {
		if skip(acc.ID) || !s.available(acc, model) {
			continue
		}
		out = append(out, s.proxyToken(acc))
	}
	slices.SortFunc(out, compareTokens)
	return out
}

func compareTokens(a, b ProxyToken) int {
	if c := cmp.Compare(a.Tier.Priority(), b.Tier.Priority()); c != 0 {
		return c
	}
	if c := cmp.Compare(b.RemainingQuota, a.RemainingQuota); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Health, a.Health); c != 0 {
		return c
	}
	return cmp.Compare(a.AccountID, b.AccountID)
}

// noAvailable builds the exhaustion error, hinting when the first
// rate-limited candidate frees up.
func (s *Scheduler) noAvailable(model string) error {
	now := s.now()
	var wait time.Duration
	for _, acc := range s.store.List() {
		if acc.Disabled || acc.ProxyDisabled || acc.Forbidden() || s.limits.IsCircuitOpen(acc.ID) || s.protector.IsProtected(acc, model) {
			continue
		}
		reset := s.limits.ResetAt(acc.ID, model)
		if reset.IsZero() {
			continue
		}
		if d := reset.Sub(now); d > 0 && (wait == 0 || d < wait) {
			wait = d
		}
	}
	return &SchedulingError{Model: model, RetryAfter: wait}
}

var errUnavailable = errors.New("account became unavailable")

// finalize makes sure acc has a usable token and commits the selection. It
// reports false when acc cannot serve this request and the caller should try
// another candidate.
func (s *Scheduler) finalize(ctx context.Context, cfg *Config, acc account.Account, req Request, stage Stage, skip func(string) bool) (Selection, bool) {
	acc, ok := s.ensureFresh(ctx, cfg, acc)
	if !ok {
		return Selection{}, false
	}

	bindSession := stage != StageSession && cfg.Mode.sessionSticky() && req.SessionID != ""
	if bindSession {
		bound, created := s.sessions.Bind(req.SessionID, acc.ID)
		if !created && bound != acc.ID {
			// A concurrent first selection for this session won the bind.
			if sel, ok := s.adoptWinner(ctx, cfg, bound, account.NormalizeModel(req.Model), skip); ok {
				return sel, true
			}
			if s.sessions.UnbindIf(req.SessionID, bound) {
				s.sessions.Bind(req.SessionID, acc.ID)
			}
		}
	}

	committed, ok := s.commit(ctx, acc)
	if !ok {
		if bindSession {
			s.sessions.UnbindIf(req.SessionID, acc.ID)
		}
		return Selection{}, false
	}
	now := s.now()

	if stage != StageSession {
		s.lock.Store(&lockSlot{accountID: committed.ID, at: now})
	}

	log.WithFields(log.Fields{
		"account_id": committed.ID,
		"stage":      stage,
		"request_id": logging.GetRequestID(ctx),
	}).Debugf("🎫 Selected %s (%s)", committed.Email, committed.Tier())
	return s.selection(committed, stage), true
}

// commit records last_used on acc, rejecting it if it was disabled or
// blocked since it was read.
func (s *Scheduler) commit(ctx context.Context, acc account.Account) (account.Account, bool) {
	now := s.now()
	committed, err := s.store.Update(ctx, acc.ID, func(a *account.Account) error {
		if a.Disabled || a.ProxyDisabled || a.Forbidden() {
			return errUnavailable
		}
		a.LastUsed = now
		return nil
	})
	switch {
	case errors.Is(err, errUnavailable), errors.Is(err, account.ErrNotFound):
		return account.Account{}, false
	case err != nil:
		// last_used is advisory; serve the account anyway.
		log.WithField("account_id", acc.ID).Warnf("⚠️ Failed to record last_used: %v", err)
		return acc, true
	}
	return committed, true
}

// adoptWinner serves the account that won a concurrent session bind, under
// the same availability and freshness rules as any other candidate.
func (s *Scheduler) adoptWinner(ctx context.Context, cfg *Config, id, model string, skip func(string) bool) (Selection, bool) {
	if skip(id) {
		return Selection{}, false
	}
	winner, err := s.store.Get(id)
	if err != nil || !s.available(winner, model) {
		return Selection{}, false
	}
	winner, ok := s.ensureFresh(ctx, cfg, winner)
	if !ok {
		return Selection{}, false
	}
	committed, ok := s.commit(ctx, winner)
	if !ok {
		return Selection{}, false
	}
	return s.selection(committed, StageSession), true
}

func (s *Scheduler) selection(acc account.Account, stage Stage) Selection {
	return Selection{
		AccountID:   acc.ID,
		AccessToken: acc.Token.AccessToken,
		ProjectID:   acc.Token.ProjectID,
		Email:       acc.Email,
		Tier:        acc.Tier(),
		Stage:       stage,
	}
}

// ensureFresh refreshes acc's token when it is within the refresh margin.
// A transient failure keeps the stale token while it is still valid.
func (s *Scheduler) ensureFresh(ctx context.Context, cfg *Config, acc account.Account) (account.Account, bool) {
	now := s.now()
	if !acc.Token.ExpiresWithin(now, cfg.RefreshMargin) {
		return acc, true
	}
	refreshed, err := s.refreshAccount(ctx, acc)
	if err == nil {
		return refreshed, true
	}
	if token.IsInvalidGrant(err) {
		return acc, false
	}
	if now.Before(acc.Token.ExpiresAt) && acc.Token.AccessToken != "" {
		log.WithField("account_id", acc.ID).Warnf("⏳ Transient refresh failure, serving stale token: %v", err)
		return acc, true
	}
	log.WithField("account_id", acc.ID).Warnf("⏳ Transient refresh failure on expired token, skipping: %v", err)
	return acc, false
}

// refreshAccount performs the network refresh without holding any pool lock
// and then applies the result through the store.
func (s *Scheduler) refreshAccount(ctx context.Context, acc account.Account) (account.Account, error) {
	if s.refresher == nil {
		return acc, &token.AuthError{Kind: token.Transient, Err: errors.New("no token refresher configured")}
	}
	tok, err := s.refresher.Refresh(ctx, acc.Token.RefreshToken)
	if err != nil {
		if token.IsInvalidGrant(err) {
			log.WithField("account_id", acc.ID).Errorf("🔒 Refresh token rejected for %s: %v", acc.Email, err)
			s.disable(ctx, acc.ID, "invalid_grant: "+err.Error())
		}
		return acc, err
	}

	now := s.now()
	updated, err := s.store.Update(ctx, acc.ID, func(a *account.Account) error {
		applyToken(a, tok, now)
		return nil
	})
	if err != nil {
		return acc, &token.AuthError{Kind: token.Transient, Err: fmt.Errorf("store refreshed token: %w", err)}
	}
	if tok.RefreshToken != "" {
		log.WithField("account_id", acc.ID).Printf("🔄 Rotating refresh token for: %s", acc.Email)
	}
	log.WithField("account_id", acc.ID).Printf("✅ Refreshed token for: %s (expires: %s)", acc.Email, updated.Token.ExpiresAt.Format(time.RFC3339))
	return updated, nil
}

// applyToken stores tok unless a later expiry has already been recorded by a
// concurrent refresh.
func applyToken(a *account.Account, tok token.Token, now time.Time) {
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	if expiry.Before(a.Token.ExpiresAt) {
		return
	}
	a.Token.AccessToken = tok.AccessToken
	a.Token.ExpiresAt = expiry
	a.Token.ExpiresIn = tok.ExpiresIn
	if tok.RefreshToken != "" {
		a.Token.RefreshToken = tok.RefreshToken
	}
}

// disable marks the account disabled and drops it from sessions and the lock.
func (s *Scheduler) disable(ctx context.Context, accountID, reason string) {
	now := s.now()
	_, err := s.store.Update(ctx, accountID, func(a *account.Account) error {
		a.Disabled = true
		a.DisabledReason = reason
		a.DisabledAt = now
		return nil
	})
	if err != nil {
		log.WithField("account_id", accountID).Errorf("❌ Failed to disable account: %v", err)
	}
	s.evict(accountID)
	log.WithField("account_id", accountID).Warnf("🔒 Account disabled: %s", reason)
}

// evict removes accountID from every session binding and the lock slot.
func (s *Scheduler) evict(accountID string) {
	if n := s.sessions.UnbindAccount(accountID); n > 0 {
		log.WithField("account_id", accountID).Infof("🔓 Unbound %d sessions", n)
	}
	if slot := s.lock.Load(); slot != nil && slot.accountID == accountID {
		s.lock.CompareAndSwap(slot, nil)
	}
}
