// cookies.go -- Session and OAuth state cookies.
package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"
)

// Cookie names. The __Host- prefix requires Secure, so plain names are used
// when secure cookies are disabled for local development.
const (
	sessionCookie    = "__Host-session"
	oauthStateCookie = "__Host-oauth-state"
)

// oauthStateTTL bounds the OAuth round trip.
const oauthStateTTL = 10 * time.Minute

// oauth flow modes carried in the state cookie.
const (
	modeLogin = "login"
	modeLink  = "link"
)

// oauthState is the payload stored in the state cookie during the OAuth round trip.
type oauthState struct {
	State    string `json:"state"`
	Verifier string `json:"verifier"`
	Mode     string `json:"mode"`
}

func (h *Handler) cookieName(name string) string {
	if h.cookieSecure {
		return name
	}
	return name[len("__Host-"):]
}

// setSessionCookie stores the raw session token in an HttpOnly cookie. Lax keeps
// the cookie on top-level provider redirects so link callbacks see the session.
func (h *Handler) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName(sessionCookie),
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSessionCookie expires the session cookie immediately.
func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName(sessionCookie),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// setOAuthStateCookie stores state + PKCE verifier in a short-lived HttpOnly cookie.
func (h *Handler) setOAuthStateCookie(w http.ResponseWriter, st oauthState) {
	payload, _ := json.Marshal(st)
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName(oauthStateCookie),
		Value:    base64.RawURLEncoding.EncodeToString(payload),
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(oauthStateTTL.Seconds()),
	})
}

// clearOAuthStateCookie expires the OAuth state cookie immediately.
func (h *Handler) clearOAuthStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName(oauthStateCookie),
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// readOAuthState reads and clears the state cookie. A missing or malformed
// cookie yields the zero value, which never matches a callback state.
func (h *Handler) readOAuthState(w http.ResponseWriter, r *http.Request) oauthState {
	var st oauthState
	c, err := r.Cookie(h.cookieName(oauthStateCookie))
	if err != nil {
		return st
	}
	h.clearOAuthStateCookie(w)

	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		logWarn(r, "oauth callback: bad state cookie encoding", "error", err)
		return st
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		logWarn(r, "oauth callback: bad state cookie json", "error", err)
		return oauthState{}
	}
	return st
}
