// account.go -- Registration, login, logout, password and email endpoints.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/auth"
)

// sessionResponse is returned by every endpoint that issues a session. Token is
// present only when the client asked for bearer mode.
type sessionResponse struct {
	UserID        uuid.UUID `json:"user_id"`
	EmailVerified *bool     `json:"email_verified,omitempty"`
	CSRFToken     string    `json:"csrf_token"`
	ExpiresAt     time.Time `json:"expires_at"`
	Token         string    `json:"token,omitempty"`
}

// issueSession hands sess to the client: as a cookie by default, or in the body
// when bearer is set.
func (h *Handler) issueSession(w http.ResponseWriter, status int, sess *auth.Session, bearer bool, emailVerified *bool) {
	resp := sessionResponse{
		UserID:        sess.UserID,
		EmailVerified: emailVerified,
		CSRFToken:     sess.CSRFToken,
		ExpiresAt:     sess.ExpiresAt,
	}
	if bearer {
		resp.Token = sess.Token
	} else {
		h.setSessionCookie(w, sess.Token, sess.ExpiresAt)
	}
	writeJSON(w, status, resp)
}

type registerRequest struct {
	Email        string `json:"email" validate:"required,max=254"`
	Password     string `json:"password" validate:"required,max=1024"`
	Name         string `json:"name" validate:"max=500"`
	CaptchaToken string `json:"captcha_token"`
	Bearer       bool   `json:"bearer"`
}

func (req *registerRequest) normalize() {
	req.Email = strings.TrimSpace(req.Email)
}

// Register handles POST /auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !h.checkCaptcha(w, r, req.CaptchaToken) {
		return
	}

	u, sess, err := h.svc.Register(r.Context(), auth.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
	}, clientMeta(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	verified := u.EmailVerified()
	h.issueSession(w, http.StatusCreated, sess, req.Bearer, &verified)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=1024"`
	Bearer   bool   `json:"bearer"`
}

func (req *loginRequest) normalize() {
	req.Email = strings.TrimSpace(req.Email)
}

type challengeResponse struct {
	TwoFactorRequired bool   `json:"two_factor_required"`
	Challenge         string `json:"challenge"`
}

// Login handles POST /auth/login. Users with two-factor enabled get 202 and a
// challenge instead of a session.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.svc.Login(r.Context(), req.Email, req.Password, clientMeta(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.TwoFactorRequired {
		writeJSON(w, http.StatusAccepted, challengeResponse{TwoFactorRequired: true, Challenge: res.Challenge})
		return
	}
	h.issueSession(w, http.StatusOK, res.Session, req.Bearer, nil)
}

type twoFactorLoginRequest struct {
	Challenge string `json:"challenge" validate:"required,max=128"`
	Code      string `json:"code" validate:"required,totp|backupcode"`
	Bearer    bool   `json:"bearer"`
}

func (req *twoFactorLoginRequest) normalize() {
	req.Challenge = strings.TrimSpace(req.Challenge)
	req.Code = normalizeCode(req.Code)
}

// VerifyTwoFactor handles POST /auth/2fa/verify.
func (h *Handler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req twoFactorLoginRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	sess, err := h.svc.CompleteTwoFactorLogin(r.Context(), req.Challenge, req.Code, clientMeta(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.issueSession(w, http.StatusOK, sess, req.Bearer, nil)
}

// Logout handles POST /auth/logout -- revokes the current session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Logout(r.Context(), sessionTokenFromContext(r.Context())); err != nil {
		writeError(w, r, err)
		return
	}
	h.clearSessionCookie(w)
	OK(w, "logged out")
}

// LogoutAll handles POST /auth/logout-all -- revokes every session of the caller.
func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	if err := h.svc.LogoutAll(r.Context(), p.User.ID); err != nil {
		writeError(w, r, err)
		return
	}
	h.clearSessionCookie(w)
	OK(w, "logged out everywhere")
}

type meResponse struct {
	ID               uuid.UUID  `json:"id"`
	Email            string     `json:"email"`
	Name             *string    `json:"name"`
	EmailVerified    bool       `json:"email_verified"`
	HasPassword      bool       `json:"has_password"`
	TwoFactorEnabled bool       `json:"two_factor_enabled"`
	IsAdmin          bool       `json:"is_admin"`
	CreatedAt        time.Time  `json:"created_at"`
	SessionExpiresAt time.Time  `json:"session_expires_at"`
	VerifiedAt       *time.Time `json:"email_verified_at,omitempty"`
}

// Me handles GET /auth/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	u := p.User
	writeJSON(w, http.StatusOK, meResponse{
		ID:               u.ID,
		Email:            u.Email,
		Name:             u.Name,
		EmailVerified:    u.EmailVerified(),
		HasPassword:      u.HasPassword(),
		TwoFactorEnabled: u.TwoFactorEnabled,
		IsAdmin:          u.IsAdmin,
		CreatedAt:        u.CreatedAt,
		SessionExpiresAt: p.ExpiresAt,
		VerifiedAt:       u.EmailVerifiedAt,
	})
}

type passwordChangeRequest struct {
	CurrentPassword string `json:"current_password" validate:"max=1024"`
	NewPassword     string `json:"new_password" validate:"required,max=1024"`
}

// PasswordChange handles POST /auth/password/change. Every session is revoked
// and the caller receives a fresh one over the same channel it authenticated with.
func (h *Handler) PasswordChange(w http.ResponseWriter, r *http.Request) {
	var req passwordChangeRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, _ := PrincipalFromContext(r.Context())

	sess, err := h.svc.ChangePassword(r.Context(), p.User.ID, req.CurrentPassword, req.NewPassword, clientMeta(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	viaCookie, _ := r.Context().Value(viaCookieKey).(bool)
	h.issueSession(w, http.StatusOK, sess, !viaCookie, nil)
}

type passwordResetRequest struct {
	Email        string `json:"email" validate:"required,max=254"`
	CaptchaToken string `json:"captcha_token"`
}

func (req *passwordResetRequest) normalize() {
	req.Email = strings.TrimSpace(req.Email)
}

// PasswordReset handles POST /auth/password/reset. The response does not reveal
// whether the address belongs to an account.
func (h *Handler) PasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !h.checkCaptcha(w, r, req.CaptchaToken) {
		return
	}

	if err := h.svc.RequestPasswordReset(r.Context(), req.Email, clientIP(r)); err != nil {
		writeError(w, r, err)
		return
	}
	OK(w, "if an account exists for that email, a reset link has been sent")
}

type tokenRequest struct {
	Token string `json:"token" validate:"required,max=128"`
}

func (req *tokenRequest) normalize() {
	req.Token = strings.TrimSpace(req.Token)
}

type tokenStatusResponse struct {
	Valid   bool `json:"valid"`
	Expired bool `json:"expired"`
}

// PasswordResetCheck handles POST /auth/password/reset/check so a reset form can
// tell a stale link apart from a bad one before asking for a new password.
func (h *Handler) PasswordResetCheck(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	st, err := h.svc.CheckPasswordResetToken(r.Context(), req.Token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenStatusResponse{Valid: st.Valid, Expired: st.Expired})
}

type passwordConfirmRequest struct {
	Token       string `json:"token" validate:"required,max=128"`
	NewPassword string `json:"new_password" validate:"required,max=1024"`
}

func (req *passwordConfirmRequest) normalize() {
	req.Token = strings.TrimSpace(req.Token)
}

// PasswordConfirm handles POST /auth/password/confirm.
func (h *Handler) PasswordConfirm(w http.ResponseWriter, r *http.Request) {
	var req passwordConfirmRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.svc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		writeError(w, r, err)
		return
	}
	OK(w, "password has been reset")
}

// VerifyEmail handles POST /auth/email/verify.
func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.svc.VerifyEmail(r.Context(), req.Token); err != nil {
		writeError(w, r, err)
		return
	}
	OK(w, "email verified")
}

// ResendVerification handles POST /auth/email/resend.
func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	if err := h.svc.ResendVerification(r.Context(), p.User.ID); err != nil {
		writeError(w, r, err)
		return
	}
	OK(w, "verification email sent")
}
