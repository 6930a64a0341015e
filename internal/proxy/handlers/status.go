package handlers

import (
	"net/http"
	"time"

	"github.com/pysugar/nexus-scheduler/internal/db"
	"github.com/pysugar/nexus-scheduler/internal/scheduler"
	"github.com/pysugar/nexus-scheduler/internal/version"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// HealthHandler reports liveness and how many accounts can currently serve.
func HealthHandler(sched *scheduler.Scheduler, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := sched.Status()
		usable := lo.CountBy(status, func(s scheduler.AccountStatus) bool {
			return !s.Disabled && !s.ProxyDisabled && !s.Forbidden && !s.CircuitOpen && s.RateLimitedUntil == nil
		})
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"version":  version.Version,
			"commit":   version.Commit,
			"uptime":   time.Since(started).Round(time.Second).String(),
			"accounts": len(status),
			"usable":   usable,
			"mode":     sched.Config().Mode,
		})
	}
}

// TokensHandler returns the ranking of usable accounts for ?model=.
func TokensHandler(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		model := r.URL.Query().Get("model")
		tokens := sched.Tokens(model)
		for i := range tokens {
			tokens[i].AccessToken = ""
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"model":  model,
			"tokens": tokens,
		})
	}
}

// GetAPIKeyHandler returns the current API key
func GetAPIKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := db.GetAPIKey(database)
		masked := false
		if shouldMaskSensitiveData() {
			apiKey = maskAPIKey(apiKey)
			masked = true
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"api_key": apiKey,
			"masked":  masked,
		})
	}
}

// RegenerateAPIKeyHandler generates a new API key
func RegenerateAPIKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := db.RegenerateAPIKey(database)
		if apiKey == "" {
			writeError(w, http.StatusInternalServerError, "api_error", "failed to regenerate API key")
			return
		}

		displayKey := apiKey
		masked := false
		if shouldMaskSensitiveData() {
			displayKey = maskAPIKey(apiKey)
			masked = true
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"api_key": displayKey,
			"masked":  masked,
		})
	}
}
