package auth

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"CatMap/pkg/kit"
)

const (
	loginLimitPerMin    = 5
	registerLimitPerMin = 3
	limitWindow         = 60 * time.Second

	tokenTTL = 15 * time.Minute
)

// Routes returns the auth subtree, mounted under /auth by the service
// handler. Login is public but rate limited; everything else demands a
// valid token, and account management demands the admin role.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	loginLimiter := kit.NewIPRateLimiter(loginLimitPerMin, int(limitWindow.Seconds()))
	registerLimiter := kit.NewIPRateLimiter(registerLimitPerMin, int(limitWindow.Seconds()))

	r.With(loginLimiter.Middleware).Post("/login", s.handleLogin)

	r.Group(func(rr chi.Router) {
		rr.Use(RequireRole(s.JWT, ""))
		rr.Get("/whoami", s.handleWhoAmI)
	})

	r.Group(func(rr chi.Router) {
		rr.Use(RequireRole(s.JWT, RoleAdmin))

		rr.With(registerLimiter.Middleware).Post("/register", s.handleRegister)
		rr.Post("/totp/setup", s.handleTOTPSetup)
		rr.Post("/totp/verify", s.handleTOTPVerify)
		rr.Get("/totp/qr", s.handleTOTPQR)
	})

	return r
}
