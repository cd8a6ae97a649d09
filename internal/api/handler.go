// handler.go -- Handler wiring and the route table for every /auth/* endpoint.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/auth"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/captcha"
)

var errMissingPrincipal = errors.New("missing session context")

// HealthChecker pings one backing service. Satisfied by *store.PostgresStore,
// *store.RedisStore and store.NoopSessionCache.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Options configures the HTTP layer.
type Options struct {
	// Captcha guards registration and reset requests. Nil disables the check.
	Captcha captcha.Verifier

	// CookieSecure sets Secure and the __Host- prefix on cookies.
	CookieSecure bool

	// HTTPRatePerMinute is a coarse per-IP cap on the public auth routes. 0 disables it.
	HTTPRatePerMinute int

	Postgres HealthChecker
	Redis    HealthChecker
}

// Handler holds dependencies for all HTTP handlers and middleware.
type Handler struct {
	svc           *auth.Service
	captcha       captcha.Verifier
	cookieSecure  bool
	ratePerMinute int
	postgres      HealthChecker
	redis         HealthChecker
}

// NewHandler builds the HTTP layer around svc.
func NewHandler(svc *auth.Service, opts Options) *Handler {
	cv := opts.Captcha
	if cv == nil {
		cv = captcha.NopVerifier{}
	}
	return &Handler{
		svc:           svc,
		captcha:       cv,
		cookieSecure:  opts.CookieSecure,
		ratePerMinute: opts.HTTPRatePerMinute,
		postgres:      opts.Postgres,
		redis:         opts.Redis,
	}
}

// clientIP is the peer address without port. middleware.RealIP has already
// rewritten RemoteAddr from X-Forwarded-For when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clientMeta(r *http.Request) auth.ClientMeta {
	return auth.ClientMeta{IP: clientIP(r), UserAgent: r.UserAgent()}
}

// checkCaptcha verifies token and writes 400 on failure. Returns false if the
// request must stop.
func (h *Handler) checkCaptcha(w http.ResponseWriter, r *http.Request, token string) bool {
	if err := h.captcha.Verify(r.Context(), token, clientIP(r)); err != nil {
		logInfo(r, "captcha rejected", "error", err)
		BadRequest(w, "captcha verification failed")
		return false
	}
	return true
}

// throttle returns the coarse per-IP limiter, or a pass-through when disabled.
func (h *Handler) throttle() func(http.Handler) http.Handler {
	if h.ratePerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		h.ratePerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			logWarn(r, "http rate limit exceeded")
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Code:       "rate_limited",
				Message:    "too many requests, try again later",
				RetryAfter: 60,
			})
		}),
	)
}

// Routes wires all routes and middleware.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.CheckHealth)

	r.Route("/auth", func(r chi.Router) {
		// Public
		r.Group(func(r chi.Router) {
			r.Use(h.throttle())
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
			r.Post("/2fa/verify", h.VerifyTwoFactor)
			r.Post("/password/reset", h.PasswordReset)
			r.Post("/password/reset/check", h.PasswordResetCheck)
			r.Post("/password/confirm", h.PasswordConfirm)
			r.Post("/email/verify", h.VerifyEmail)
			r.Get("/oauth/{provider}", h.OAuthStart)
			r.Get("/oauth/{provider}/callback", h.OAuthCallback)
		})

		// Authentication required routes
		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)
			// CSRF reads the principal injected by RequireAuth above
			r.Use(h.CSRFMiddleware)
			r.Get("/me", h.Me)
			r.Post("/logout", h.Logout)
			r.Post("/logout-all", h.LogoutAll)
			r.Post("/password/change", h.PasswordChange)
			r.Post("/email/resend", h.ResendVerification)

			r.Get("/2fa", h.TwoFactorStatus)
			r.Post("/2fa/setup", h.TwoFactorSetup)
			r.Post("/2fa/confirm", h.TwoFactorConfirm)
			r.Post("/2fa/disable", h.TwoFactorDisable)
			r.Post("/2fa/backup-codes", h.TwoFactorBackupCodes)

			r.Get("/oauth/identities", h.OAuthIdentities)
			r.Get("/oauth/{provider}/link", h.OAuthLinkStart)
			r.Get("/oauth/{provider}/link/callback", h.OAuthLinkCallback)
			r.Post("/oauth/{provider}/unlink", h.OAuthUnlink)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Use(h.CSRFMiddleware)
		r.Use(h.RequireAdmin)
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) { OK(w, "pong") })
	})

	return r
}
