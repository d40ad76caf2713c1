package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ecowatch/ecowatch/internal/api/handler"
	mw "github.com/ecowatch/ecowatch/internal/api/middleware"
	"github.com/ecowatch/ecowatch/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Gateway    *mw.Gateway
	Throttle   *mw.Throttle
	AdminToken string

	HealthHandler http.HandlerFunc
	Reports       *handler.Reports
	Keys          *handler.Keys
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Unauthenticated trial signup, per-IP throttled
	r.With(deps.Throttle.Limit).Post("/api/v1/keys/trial", deps.Keys.Trial)

	// Key-gated machine API
	r.Group(func(r chi.Router) {
		r.Use(deps.Gateway.Authenticate)

		r.With(deps.Gateway.RequirePermission("reports:list")).
			Get("/api/v1/reports", deps.Reports.List)
		r.With(deps.Gateway.RequirePermission("reports:stats")).
			Get("/api/v1/reports/stats", deps.Reports.Stats)
		r.With(deps.Gateway.RequirePermission("reports:export")).
			Get("/api/v1/reports/export", deps.Reports.Export)
		r.With(deps.Gateway.RequirePermission("analytics:advanced")).
			Get("/api/v1/analytics/advanced", deps.Reports.Trend)

		r.Get("/api/v1/keys/me", deps.Keys.Me)
		r.Post("/api/v1/keys/revoke", deps.Keys.SelfRevoke)
	})

	// Key management, admin-token gated
	r.Group(func(r chi.Router) {
		r.Use(mw.AdminAuth(deps.AdminToken))

		r.Post("/api/v1/admin/keys", deps.Keys.AdminCreate)
		r.Get("/api/v1/admin/keys", deps.Keys.AdminList)
		r.Delete("/api/v1/admin/keys/{keyID}", deps.Keys.AdminRevoke)
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented")
	}
}
