// middleware.go -- Session authentication, CSRF and admin middleware.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/auth"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const (
	principalKey contextKey = "principal"
	tokenKey     contextKey = "session_token"
	viaCookieKey contextKey = "via_cookie"
)

// PrincipalFromContext retrieves the authenticated caller.
// Returns nil and false if RequireAuth hasn't run.
func PrincipalFromContext(ctx context.Context) (*auth.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*auth.Principal)
	return p, ok && p != nil
}

func sessionTokenFromContext(ctx context.Context) string {
	s, _ := ctx.Value(tokenKey).(string)
	return s
}

// sessionToken extracts the raw session token. A bearer header wins over the cookie.
func (h *Handler) sessionToken(r *http.Request) (token string, viaCookie bool) {
	if authz := r.Header.Get("Authorization"); authz != "" {
		scheme, value, ok := strings.Cut(authz, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value), false
		}
		return "", false
	}
	if c, err := r.Cookie(h.cookieName(sessionCookie)); err == nil {
		return c.Value, true
	}
	return "", false
}

// authenticate resolves the request's session, or returns auth.ErrUnauthenticated.
func (h *Handler) authenticate(r *http.Request) (*auth.Principal, string, bool, error) {
	token, viaCookie := h.sessionToken(r)
	if token == "" {
		return nil, "", false, auth.ErrUnauthenticated
	}
	p, err := h.svc.Authenticate(r.Context(), token)
	if err != nil {
		return nil, "", false, err
	}
	return p, token, viaCookie, nil
}

// RequireAuth validates the session cookie or bearer token and injects the
// principal into the context; returns 401 on failure.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, token, viaCookie, err := h.authenticate(r)
		if err != nil {
			logInfo(r, "require auth failed", "reason", "invalid_session")
			writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, p)
		ctx = context.WithValue(ctx, tokenKey, token)
		ctx = context.WithValue(ctx, viaCookieKey, viaCookie)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// safeMethod reports whether m never changes state.
func safeMethod(m string) bool {
	return m == http.MethodGet || m == http.MethodHead || m == http.MethodOptions
}

// CSRFMiddleware enforces X-CSRF-Token on cookie-authenticated, state-changing
// requests. Bearer requests are exempt: browsers never attach them on their own.
// Must run after RequireAuth.
func (h *Handler) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		viaCookie, _ := r.Context().Value(viaCookieKey).(bool)
		if !viaCookie || safeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			InternalServerError(w, r, errMissingPrincipal)
			return
		}
		provided, err := base64.RawURLEncoding.DecodeString(r.Header.Get("X-CSRF-Token"))
		if err != nil || len(provided) == 0 || subtle.ConstantTimeCompare(provided, p.CSRFToken) != 1 {
			logWarn(r, "csrf check failed", "user_id", p.User.ID)
			Forbidden(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects non-admin principals with 403. Must run after RequireAuth.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFromContext(r.Context())
		if err := h.svc.RequireAdmin(p); err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
