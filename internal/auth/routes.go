package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Middleware wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// RegisterRoutes registers the public authentication routes
func RegisterRoutes(r chi.Router, handler *AuthHandler) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", handler.Register)
		r.Post("/login", handler.Login)
		r.Post("/verify-email", handler.VerifyEmail)
		r.Post("/verification-token", handler.RequestVerificationToken)
		r.Post("/password-reset/request", handler.RequestPasswordReset)
		r.Post("/password-reset/confirm", handler.ConfirmPasswordReset)
	})
}

// RegisterAdminRoutes registers account administration routes. Every route
// requires the given authentication and admin middlewares.
func RegisterAdminRoutes(r chi.Router, handler *AuthHandler, authenticate, requireAdmin Middleware) {
	r.Route("/admin/accounts/{id}", func(r chi.Router) {
		r.Use(authenticate)
		r.Use(requireAdmin)
		r.Post("/unlock", handler.UnlockAccount)
		r.Get("/lock", handler.GetLockStatus)
		r.Get("/events", handler.ListAuthEvents)
	})
}
