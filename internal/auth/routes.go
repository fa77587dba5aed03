package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/campusgate/attendance-portal/internal/middleware"
	"github.com/campusgate/attendance-portal/internal/roles"
)

func (h *Handlers) SetupRoutes() http.Handler {
	r := chi.NewRouter()

	r.Post("/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(middleware.SessionMiddleware(h.svc))

		r.Post("/logout", h.Logout)
		r.Get("/me", h.Me)
		r.Get("/profiles/{id}", h.GetProfile)
		r.Patch("/profiles/{id}", h.PatchProfile)

		r.With(middleware.RequireRole(h.svc, roles.Admin, roles.HOD, roles.ProgramCoordinator)).
			Post("/users", h.CreateUser)
	})

	return r
}
