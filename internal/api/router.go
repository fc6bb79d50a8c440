package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/chatrelay/internal/api/middleware"
	"github.com/kiranshivaraju/chatrelay/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	SubmitJob   http.HandlerFunc
	JobStatus   http.HandlerFunc
	CreateRoom  http.HandlerFunc
	ListRooms   http.HandlerFunc
	GetRoom     http.HandlerFunc
	SendMessage http.HandlerFunc
	ListChats   http.HandlerFunc
	DeleteChat  http.HandlerFunc
	Me          http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitJob))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.JobStatus))

		r.Post("/api/v1/chatrooms", orNotImplemented(deps.CreateRoom))
		r.Get("/api/v1/chatrooms", orNotImplemented(deps.ListRooms))
		r.Get("/api/v1/chatrooms/{roomID}", orNotImplemented(deps.GetRoom))
		r.Post("/api/v1/chatrooms/{roomID}/message", orNotImplemented(deps.SendMessage))

		r.Get("/api/v1/chats", orNotImplemented(deps.ListChats))
		r.Delete("/api/v1/chats/{chatID}", orNotImplemented(deps.DeleteChat))

		r.Get("/api/v1/me", orNotImplemented(deps.Me))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
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
