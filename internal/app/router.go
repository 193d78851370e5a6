package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/staking-engine/internal/distribution"
	"github.com/atmx/staking-engine/internal/metrics"
)

// Router builds the HTTP API.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"staking-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live reward and referral events. Kept outside
		// the request timeout.
		if a.Hub != nil {
			r.Get("/ws", a.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/pool", a.Orchestrator.HandlePool)

			// Account operations.
			r.Post("/accounts", a.Accounts.Create)
			r.Get("/accounts/{accountID}", a.Accounts.Get)
			r.Post("/accounts/{accountID}/deposit", a.Accounts.HandleDeposit)
			r.Post("/accounts/{accountID}/withdraw", a.Accounts.HandleWithdraw)
			r.Post("/accounts/{accountID}/referrer", a.Accounts.HandleSetReferrer)
			r.Post("/accounts/{accountID}/premium", a.Accounts.HandleActivatePremium)
		})

		// Admin: distribution control. Runs can outlast the request timeout.
		r.Route("/admin", func(r chi.Router) {
			r.Use(distribution.RequireToken(a.Config.AdminToken))
			r.Get("/distributions/status", a.Orchestrator.HandleStatus)
			r.Post("/distributions/{period}", a.Orchestrator.HandleRun)
		})
	})
	return r
}
