package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/nexus-scheduler/internal/account"
	"github.com/pysugar/nexus-scheduler/internal/logging"
	"github.com/pysugar/nexus-scheduler/internal/proxy/middleware"
	"github.com/pysugar/nexus-scheduler/internal/scheduler"
	"gorm.io/gorm"
)

// Deps are the collaborators the HTTP surface is built from. Profiles and
// Poller are optional.
type Deps struct {
	DB            *gorm.DB
	Pool          *account.Pool
	Scheduler     *scheduler.Scheduler
	Settings      *SchedulingSettings
	Profiles      ProfileLoader
	Poller        Poller
	AdminPassword string
	Started       time.Time
}

// NewRouter mounts the admin API under /api and the dispatcher API under
// /v1/internal.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(logging.Middleware)

	r.Get("/healthz", HealthHandler(d.Scheduler, d.Started))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AdminAuth(d.AdminPassword))

		r.Get("/accounts", AccountsAPIHandler(d.Scheduler))
		r.Post("/accounts", ImportAccountHandler(d.Pool, d.Scheduler, d.Profiles))
		r.Delete("/accounts/{id}", DeleteAccountHandler(d.Scheduler))
		r.Post("/accounts/{id}/refresh", RefreshAccountHandler(d.Scheduler))
		r.Post("/accounts/{id}/clear", ClearAccountHandler(d.Scheduler))
		r.Post("/accounts/{id}/enable", EnableAccountHandler(d.Scheduler))
		r.Post("/accounts/{id}/disable", DisableAccountHandler(d.Scheduler))
		r.Put("/accounts/{id}/proxy", UpdateAccountProxyHandler(d.Scheduler))

		r.Post("/refresh", RefreshHandler(d.Scheduler))
		r.Post("/quota/poll", PollQuotaHandler(d.Poller))
		r.Get("/tokens", TokensHandler(d.Scheduler))

		r.Get("/config/apikey", GetAPIKeyHandler(d.DB))
		r.Post("/config/apikey/regenerate", RegenerateAPIKeyHandler(d.DB))

		if d.Settings != nil {
			r.Get("/config/scheduling", d.Settings.GetHandler())
			r.Put("/config/scheduling", d.Settings.UpdateHandler())
			r.Delete("/config/scheduling", d.Settings.ResetHandler())
		}
	})

	r.Route("/v1/internal", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.DB))
		r.Post("/select", SelectHandler(d.Scheduler))
		r.Post("/report/{kind}", ReportHandler(d.Scheduler))
	})

	return r
}
