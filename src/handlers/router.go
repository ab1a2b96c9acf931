package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/username/royaltyledger/src/logger"
	"golang.org/x/time/rate"
)

// NewRouter wires the reporting API. The core stays batch-driven; this
// surface is read-only and meant for the label's internal dashboard, so
// CORS is limited to local frontends.
func NewRouter(report *ReportHandler, limiter *rate.Limiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(rateLimitMiddleware(limiter))

	r.Route("/api", func(r chi.Router) {
		r.Route("/labels/{labelID}", func(r chi.Router) {
			r.Get("/revenue", report.HandleRevenue)
			r.Get("/unlinked", report.HandleUnlinked)
			r.Get("/recoupment", report.HandleRecoupment)
			r.Get("/statements", report.HandleStatements)
			r.Get("/payout-runs", report.HandlePayoutRuns)
		})
		r.Get("/payout-runs/{runID}", report.HandlePayoutRun)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}

func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.L.Warn("Rate limit exceeded",
					"method", r.Method,
					"path", r.URL.Path,
					"remoteAddr", r.RemoteAddr)
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
