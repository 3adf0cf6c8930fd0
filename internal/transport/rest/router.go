package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/birdiecourt/registry-core/internal/security"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterDeps struct {
	Cache     domain.CacheRepository
	Handler   *Handler
	Verifier  security.AccessTokenVerifier
	JWTIssuer string
	RLLimit   int
	RLWindow  time.Duration
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Cache == nil {
		panic("rest.NewRouter: nil cache")
	}
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.Verifier == nil {
		panic("rest.NewRouter: nil verifier")
	}
	if d.RLLimit <= 0 {
		d.RLLimit = 100
	}
	if d.RLWindow <= 0 {
		d.RLWindow = time.Minute
	}

	r := chi.NewRouter()

	// Request ID + structured access log
	r.Use(RequestID)
	r.Use(HTTPLogger)

	// Panic recovery
	r.Use(middleware.Recoverer)

	// Cross-cutting
	r.Use(RateLimitMiddleware(d.Cache, d.RLLimit, d.RLWindow))
	r.Use(SecurityHeaders)

	// Operational endpoints (outside /api for K8s probes)
	r.Get("/healthz", healthzHandler)
	r.Get("/readyz", readyzHandler(d.Cache))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(d.Verifier, AuthOptions{ExpectedIssuer: d.JWTIssuer}))

		r.Post("/registrations", d.Handler.RequestRegistration)
		r.Get("/registrations/requests/{requestID}", d.Handler.GetRequestStatus)
		r.Get("/registrations/{registrationID}", d.Handler.GetRegistration)
		r.Delete("/registrations/{registrationID}", d.Handler.CancelRegistration)
		r.Patch("/registrations/{registrationID}/guests", d.Handler.UpdateGuests)
		r.Post("/registrations/{registrationID}/guests", d.Handler.AddGuest)

		r.Get("/sessions/{sessionID}/participants", d.Handler.Participants)
		r.Get("/sessions/{sessionID}/waitlist", d.Handler.Waitlist)
		r.Get("/sessions/{sessionID}/stats", d.Handler.SessionStats)

		r.Get("/me/wallet", d.Handler.GetMyWallet)

		// admin
		r.Post("/admin/sessions", d.Handler.CreateSession)
		r.Patch("/admin/sessions/{sessionID}", d.Handler.UpdateSession)
	})

	return r
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func readyzHandler(cache domain.CacheRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		checks := make(map[string]string)
		allHealthy := true

		if cache != nil {
			if err := cache.Ping(ctx); err != nil {
				checks["redis"] = "unhealthy: " + err.Error()
				allHealthy = false
			} else {
				checks["redis"] = "healthy"
			}
		} else {
			checks["redis"] = "not_configured"
		}

		checks["status"] = "ready"
		if !allHealthy {
			checks["status"] = "not_ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(checks)
	}
}
