package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pysugar/nexus-scheduler/internal/account"
	"github.com/pysugar/nexus-scheduler/internal/auth/token"
	"github.com/pysugar/nexus-scheduler/internal/logging"
	"github.com/pysugar/nexus-scheduler/internal/scheduler"
	"github.com/pysugar/nexus-scheduler/internal/upstream"
	"github.com/samber/lo"
)

// ProfileLoader looks up the project id and tier of a freshly linked account.
type ProfileLoader interface {
	LoadCodeAssist(ctx context.Context, accessToken string) (upstream.CodeAssist, error)
}

// AccountsAPIHandler lists every account with its scheduling state.
func AccountsAPIHandler(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"accounts": sched.Status(),
		})
	}
}

// ImportAccountRequest links an account from an existing refresh token.
type ImportAccountRequest struct {
	Email        string `json:"email"`
	RefreshToken string `json:"refresh_token"`
	ProjectID    string `json:"project_id"`
}

// ImportAccountHandler adds an account, refreshes it once to prove the
// refresh token works, and looks up its tier when profiles is set. An
// account whose first refresh fails is removed again.
func ImportAccountHandler(pool *account.Pool, sched *scheduler.Scheduler, profiles ProfileLoader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ImportAccountRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "Invalid request body")
			return
		}
		req.Email = strings.TrimSpace(req.Email)
		req.RefreshToken = strings.TrimSpace(req.RefreshToken)
		if req.Email == "" || req.RefreshToken == "" {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "email and refresh_token are required")
			return
		}
		for _, existing := range pool.List() {
			if strings.EqualFold(existing.Email, req.Email) {
				writeError(w, http.StatusConflict, "invalid_request_error", "account already linked: "+req.Email)
				return
			}
		}

		ctx := r.Context()
		logger := logging.Entry(ctx)
		acc, err := pool.Add(ctx, account.Account{
			ID:        uuid.New().String(),
			Email:     req.Email,
			Token:     account.TokenData{RefreshToken: req.RefreshToken, ProjectID: strings.TrimSpace(req.ProjectID)},
			CreatedAt: time.Now(),
		})
		if err != nil {
			writeAccountError(w, r, err)
			return
		}

		refreshed, err := sched.RefreshAccount(ctx, acc.ID)
		if err != nil {
			if rmErr := sched.RemoveAccount(ctx, acc.ID); rmErr != nil {
				logger.WithField("account_id", acc.ID).Errorf("❌ Failed to remove unusable account: %v", rmErr)
			}
			status := http.StatusBadGateway
			if token.IsInvalidGrant(err) {
				status = http.StatusBadRequest
			}
			writeError(w, status, "authentication_error", "refresh token rejected: "+err.Error())
			return
		}

		if profiles != nil {
			if profile, err := profiles.LoadCodeAssist(ctx, refreshed.Token.AccessToken); err != nil {
				logger.WithField("account_id", acc.ID).Warnf("⚠️ Could not load profile for %s: %v", acc.Email, err)
			} else {
				if refreshed.Token.ProjectID == "" && profile.ProjectID != "" {
					if refreshed, err = pool.Update(ctx, acc.ID, func(a *account.Account) error {
						a.Token.ProjectID = profile.ProjectID
						return nil
					}); err != nil {
						writeAccountError(w, r, err)
						return
					}
				}
				if _, err := sched.ReportQuota(ctx, acc.ID, account.QuotaData{SubscriptionTier: profile.Tier}); err != nil {
					logger.WithField("account_id", acc.ID).Warnf("⚠️ Could not store tier for %s: %v", acc.Email, err)
				}
			}
		}

		logger.WithField("account_id", acc.ID).Printf("✅ Linked account %s", acc.Email)
		status, _ := lo.Find(sched.Status(), func(s scheduler.AccountStatus) bool { return s.ID == acc.ID })
		writeJSON(w, http.StatusCreated, status)
	}
}

// DeleteAccountHandler removes an account from the pool and the database.
func DeleteAccountHandler(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := sched.RemoveAccount(r.Context(), id); err != nil {
			writeAccountError(w, r, err)
			return
		}
		logging.Entry(r.Context()).WithField("account_id", id).Printf("🗑️ Account removed")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// RefreshAccountHandler forces a token refresh for one account.
func RefreshAccountHandler(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		acc, err := sched.RefreshAccount(r.Context(), id)
		if err != nil {
			if _, getErr := sched.Store().Get(id); getErr != nil {
				writeAccountError(w, r, getErr)
				return
			}
			writeError(w, http.StatusBadGateway, "authentication_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":     "ok",
			"email":      acc.Email,
			"expires_at": acc.Token.ExpiresAt,
		})
	}
}

// RefreshHandler refreshes every token that is close to expiry.
func RefreshHandler(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := sched.RefreshExpiring(r.Context())
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"refreshed": n,
		})
	}
}

// ClearAccountHandler closes the circuit breaker and drops rate limits.
func ClearAccountHandler(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := sched.Store().Get(id); err != nil {
			writeAccountError(w, r, err)
			return
		}
		sched.ClearAccount(id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// EnableAccountHandler returns a disabled account to rotation.
func EnableAccountHandler(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := sched.EnableAccount(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeAccountError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// DisableAccountHandler takes an account out of rotation.
func DisableAccountHandler(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "Invalid request body")
			return
		}
		if req.Reason == "" {
			req.Reason = "disabled by operator"
		}
		if err := sched.DisableAccount(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
			writeAccountError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// UpdateAccountProxyHandler toggles whether the account may serve requests.
func UpdateAccountProxyHandler(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Disabled *bool `json:"proxy_disabled"`
		}
		if err := decodeJSON(r, &req); err != nil || req.Disabled == nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "proxy_disabled is required")
			return
		}
		acc, err := sched.SetProxyDisabled(r.Context(), chi.URLParam(r, "id"), *req.Disabled)
		if err != nil {
			writeAccountError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":         "ok",
			"proxy_disabled": acc.ProxyDisabled,
		})
	}
}

// Poller refreshes quota snapshots on demand.
type Poller interface {
	PollOnce(ctx context.Context) int
}

// PollQuotaHandler fetches fresh quota for every account.
func PollQuotaHandler(poller Poller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if poller == nil {
			writeError(w, http.StatusServiceUnavailable, "api_error", "quota polling is not configured")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"updated": poller.PollOnce(r.Context()),
		})
	}
}
