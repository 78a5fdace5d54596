package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
		r.Post("/refresh", s.HandleRefresh)
	})

	// Redemption routes (public: the code is the credential)
	r.Route("/redeem", func(r chi.Router) {
		r.Post("/verify", s.HandleRedeemVerify)
		r.Post("/confirm", s.HandleRedeemConfirm)
	})

	// Warranty routes (public)
	r.Post("/warranty/check", s.HandleWarrantyCheck)

	// Protected routes
	r.Group(func(r chi.Router) {
		// Teams
		r.Route("/teams", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/", s.HandleListTeams)
			r.Post("/import", s.HandleImportTeams)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetTeam)
				r.Delete("/", s.HandleDeactivateTeam)
				r.Get("/usage", s.HandleTeamUsage)
				r.Post("/sync", s.HandleSyncTeam)
			})
		})

		// Redemption codes
		r.Route("/codes", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/", s.HandleListCodes)
			r.Post("/", s.HandleGenerateCodes)
			r.Get("/{code}", s.HandleGetCode)
		})

		// Synchronizer
		r.Route("/sync", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/", s.HandleRunSync)
		})
	})
}
