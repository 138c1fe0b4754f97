package routes

import (
	"net/http"

	"github.com/AnshRaj112/peerlink-backend/internal/handlers"
	"github.com/AnshRaj112/peerlink-backend/internal/metrics"
	"github.com/AnshRaj112/peerlink-backend/internal/middleware"
	"github.com/go-chi/chi/v5"
)

type Handlers struct {
	Auth          *handlers.Auth
	Users         *handlers.Users
	Conversations *handlers.Conversations
	Calls         *handlers.Calls
	Realtime      *handlers.Realtime

	Authenticator middleware.Authenticator
	// CodeLimit guards the code endpoint; nil disables it.
	CodeLimit func(http.Handler) http.Handler
	History   middleware.HistoryLimiters
}

func SetupRoutes(r chi.Router, h Handlers) {
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	// Realtime gateway: messages, typing, presence and call signaling
	r.Get("/ws", h.Realtime.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		// Phone + code auth
		code := r.With()
		if h.CodeLimit != nil {
			code = r.With(h.CodeLimit)
		}
		code.Post("/auth/code", h.Auth.RequestCode)
		r.Post("/auth/register", h.Auth.Register)
		r.Post("/auth/login", h.Auth.Login)
		r.Post("/auth/logout", h.Auth.Logout)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser(h.Authenticator))

			r.Post("/auth/ticket", h.Auth.Ticket)

			r.Get("/users/me", h.Users.Me)
			r.Patch("/users/me", h.Users.UpdateMe)
			r.Get("/users/search", h.Users.Search)
			r.Get("/users/lookup", h.Users.ByShortID)

			r.Get("/conversations", h.Conversations.List)
			r.Post("/conversations/direct", h.Conversations.Direct)
			r.Post("/conversations/group", h.Conversations.CreateGroup)
			r.With(middleware.HistoryRateLimit(h.History)).Get("/conversations/{id}/messages", h.Conversations.History)
			r.Post("/conversations/{id}/messages", h.Conversations.Send)
			r.Delete("/conversations/{id}/messages/{messageID}", h.Conversations.Delete)

			r.Get("/calls", h.Calls.List)
			r.Get("/calls/{id}", h.Calls.Get)
		})
	})
}
