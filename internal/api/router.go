package api

import (
	"context"
	"net/http"

	"github.com/ewanhart/copydesk/internal/auth"
	"github.com/ewanhart/copydesk/internal/config"
	"github.com/ewanhart/copydesk/internal/metrics"
	"github.com/ewanhart/copydesk/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// pinger reports database liveness for the health endpoint.
type pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Users      userStore
	Sessions   *auth.Sessions
	Authorizer *auth.Authorizer
	Limiter    *ratelimit.Limiter
	Metrics    *metrics.Metrics // nil disables the metrics endpoints
	DBPool     pinger           // nil reports the database as unavailable
	Config     *config.Config
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.Config.CORS.AllowedOrigins))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}
	r.Use(slogRequestLogger)

	// Handlers.
	var recorder lifecycleRecorder
	if deps.Metrics != nil {
		recorder = deps.Metrics
	}
	authH := newAuthHandler(deps.Users, deps.Sessions, deps.Limiter, deps.Config.RateLimit, recorder)
	usersH := newUsersHandler(deps.Users, deps.Sessions, deps.Config.Auth.InviteTTL(), deps.Config.Auth.DefaultFeatures, recorder)

	// Health check.
	r.Get("/health", healthHandler(deps.DBPool))

	// Metrics.
	if deps.Metrics != nil {
		r.Get("/metrics", deps.Metrics.Handler())
		r.Method(http.MethodGet, "/metrics/prometheus",
			promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	// Public auth routes. Unauthenticated by definition but still behind the
	// CSRF gate.
	r.Group(func(pr chi.Router) {
		pr.Use(csrfMiddleware)
		pr.Post("/api/auth/login", authH.Login)
		pr.Post("/api/auth/accept-invite", authH.AcceptInvite)

		// Logout is deliberately public: a client with an expired or unknown
		// session must still be able to clear its cookies.
		pr.Post("/api/auth/logout", authH.Logout)
	})

	// Protected routes.
	r.Group(func(pr chi.Router) {
		pr.Use(auth.Middleware(deps.Authorizer))

		pr.Get("/api/auth/me", authH.Me)
		pr.Post("/api/auth/change-password", authH.ChangePassword)

		// Admin routes.
		pr.Route("/api/admin", func(ar chi.Router) {
			ar.Use(auth.RequireAdmin)

			ar.Get("/users", usersH.ListUsers)
			ar.Post("/users/invite", usersH.InviteUser)
			ar.Patch("/users/{id}", usersH.UpdateUser)
			ar.Post("/users/{id}/disable", usersH.DisableUser)
			ar.Post("/users/{id}/enable", usersH.EnableUser)
		})
	})

	return r
}

// csrfMiddleware rejects state-changing requests that lack the expected
// header. The orchestrator applies the same check on protected routes; this
// covers the public ones.
func csrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.CSRFOK(r) {
			writeError(w, http.StatusForbidden, "forbidden", "CSRF validation failed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func healthHandler(db pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		database := "unavailable"
		if db != nil {
			if err := db.Ping(r.Context()); err == nil {
				database = "connected"
			} else {
				database = "error"
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "ok",
			"database": database,
		})
	}
}
