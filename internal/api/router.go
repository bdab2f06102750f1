package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/jobqueue/internal/api/middleware"
	"github.com/kiranshivaraju/jobqueue/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	// RateLimit is optional; nil disables limiting.
	RateLimit *mw.RateLimit

	PingHandler    http.HandlerFunc
	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	CreateJob   http.HandlerFunc
	JobStats    http.HandlerFunc
	GetJob      http.HandlerFunc
	ClaimJob    http.HandlerFunc
	TickleJob   http.HandlerFunc
	CompleteJob http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/ping", orPong(deps.PingHandler))
	r.Get("/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/jobs", func(r chi.Router) {
		r.Use(deps.RateLimit.Limit)

		r.Post("/create", orNotImplemented(deps.CreateJob))
		r.Post("/claim", orNotImplemented(deps.ClaimJob))
		r.Get("/stats", orNotImplemented(deps.JobStats))
		r.Get("/{jobID}", orNotImplemented(deps.GetJob))
		r.Post("/{jobID}/tickle", orNotImplemented(deps.TickleJob))
		r.Post("/{jobID}/complete", orNotImplemented(deps.CompleteJob))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}

func orPong(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		response.Text(w, "pong")
	}
}
