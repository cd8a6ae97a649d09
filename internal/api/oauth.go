// oauth.go -- OAuth login, account linking and identity management endpoints.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"

	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/auth"
)

// startOAuth sends the browser to the provider with a fresh state cookie.
func (h *Handler) startOAuth(w http.ResponseWriter, r *http.Request, mode string) {
	provider := chi.URLParam(r, "provider")
	start, err := h.svc.StartOAuth(provider)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.setOAuthStateCookie(w, oauthState{State: start.State, Verifier: start.Verifier, Mode: mode})
	logDebug(r, "oauth redirect", "provider", start.Provider, "mode", mode)
	http.Redirect(w, r, start.RedirectURL, http.StatusFound)
}

// callback pairs the provider's query parameters with what the state cookie stored.
func callback(r *http.Request, st oauthState) auth.Callback {
	q := r.URL.Query()
	return auth.Callback{
		Code:          q.Get("code"),
		State:         q.Get("state"),
		ExpectedState: st.State,
		Verifier:      st.Verifier,
	}
}

// OAuthStart handles GET /auth/oauth/{provider}.
func (h *Handler) OAuthStart(w http.ResponseWriter, r *http.Request) {
	h.startOAuth(w, r, modeLogin)
}

// OAuthCallback handles GET /auth/oauth/{provider}/callback. A provider has one
// registered redirect URL, so link flows started from OAuthLinkStart land here too
// and are told apart by the mode in the state cookie.
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	st := h.readOAuthState(w, r)

	if st.Mode == modeLink {
		p, _, _, err := h.authenticate(r)
		if err != nil {
			logInfo(r, "oauth link callback without session", "provider", provider)
			writeError(w, r, err)
			return
		}
		h.finishLink(w, r, p.User.ID, provider, st)
		return
	}

	res, err := h.svc.FinishOAuthLogin(r.Context(), provider, callback(r, st), clientMeta(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.TwoFactorRequired {
		writeJSON(w, http.StatusAccepted, challengeResponse{TwoFactorRequired: true, Challenge: res.Challenge})
		return
	}
	logInfo(r, "oauth user logged in", "user_id", res.UserID, "provider", provider)
	h.issueSession(w, http.StatusOK, res.Session, false, nil)
}

// OAuthLinkStart handles GET /auth/oauth/{provider}/link.
func (h *Handler) OAuthLinkStart(w http.ResponseWriter, r *http.Request) {
	h.startOAuth(w, r, modeLink)
}

// OAuthLinkCallback handles GET /auth/oauth/{provider}/link/callback for providers
// registered with a dedicated link redirect URL.
func (h *Handler) OAuthLinkCallback(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	st := h.readOAuthState(w, r)
	if st.Mode != modeLink {
		// A login state must not complete a link.
		st = oauthState{}
	}
	h.finishLink(w, r, p.User.ID, chi.URLParam(r, "provider"), st)
}

func (h *Handler) finishLink(w http.ResponseWriter, r *http.Request, userID uuid.UUID, provider string, st oauthState) {
	if err := h.svc.LinkOAuth(r.Context(), userID, provider, callback(r, st)); err != nil {
		writeError(w, r, err)
		return
	}
	OK(w, "provider linked")
}

// OAuthUnlink handles POST /auth/oauth/{provider}/unlink.
func (h *Handler) OAuthUnlink(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, _ := PrincipalFromContext(r.Context())

	if err := h.svc.UnlinkOAuth(r.Context(), p.User.ID, chi.URLParam(r, "provider"), req.Password); err != nil {
		writeError(w, r, err)
		return
	}
	OK(w, "provider unlinked")
}

type identityResponse struct {
	Provider  string    `json:"provider"`
	Email     *string   `json:"email"`
	CreatedAt time.Time `json:"linked_at"`
}

type identitiesResponse struct {
	Identities []identityResponse `json:"identities"`
	Available  []string           `json:"available"`
}

// OAuthIdentities handles GET /auth/oauth/identities.
func (h *Handler) OAuthIdentities(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	ids, err := h.svc.ListIdentities(r.Context(), p.User.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := identitiesResponse{
		Identities: make([]identityResponse, 0, len(ids)),
		Available:  h.svc.OAuthProviders(),
	}
	for _, id := range ids {
		resp.Identities = append(resp.Identities, identityResponse{
			Provider:  id.Provider,
			Email:     id.Email,
			CreatedAt: id.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
