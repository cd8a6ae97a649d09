// twofactor.go -- TOTP enrolment and management endpoints.
package api

import (
	"net/http"
	"strings"
)

type twoFactorStatusResponse struct {
	Enabled              bool `json:"enabled"`
	Pending              bool `json:"pending"`
	BackupCodesRemaining int  `json:"backup_codes_remaining"`
}

// TwoFactorStatus handles GET /auth/2fa.
func (h *Handler) TwoFactorStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	st, err := h.svc.TwoFactorStatus(r.Context(), p.User.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, twoFactorStatusResponse{
		Enabled:              st.Enabled,
		Pending:              st.Pending,
		BackupCodesRemaining: st.BackupCodesRemaining,
	})
}

type twoFactorSetupResponse struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	QRCode          string   `json:"qr_code"`
	BackupCodes     []string `json:"backup_codes"`
}

// TwoFactorSetup handles POST /auth/2fa/setup. The secret stays pending until
// confirmed with a code from the authenticator app.
func (h *Handler) TwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	setup, err := h.svc.SetupTwoFactor(r.Context(), p.User.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, twoFactorSetupResponse{
		Secret:          setup.Secret,
		ProvisioningURI: setup.ProvisioningURI,
		QRCode:          setup.QRCode,
		BackupCodes:     setup.BackupCodes,
	})
}

type twoFactorConfirmRequest struct {
	Code        string   `json:"code" validate:"required,totp"`
	Secret      string   `json:"secret" validate:"required,max=128"`
	BackupCodes []string `json:"backup_codes" validate:"required,min=1,max=32,dive,backupcode"`
}

func (req *twoFactorConfirmRequest) normalize() {
	req.Code = strings.TrimSpace(req.Code)
	req.Secret = strings.ToUpper(strings.TrimSpace(req.Secret))
	for i, c := range req.BackupCodes {
		req.BackupCodes[i] = normalizeCode(c)
	}
}

// TwoFactorConfirm handles POST /auth/2fa/confirm.
func (h *Handler) TwoFactorConfirm(w http.ResponseWriter, r *http.Request) {
	var req twoFactorConfirmRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, _ := PrincipalFromContext(r.Context())

	if err := h.svc.ConfirmTwoFactor(r.Context(), p.User.ID, req.Code, req.Secret, req.BackupCodes); err != nil {
		writeError(w, r, err)
		return
	}
	OK(w, "two-factor authentication enabled")
}

type passwordRequest struct {
	Password string `json:"password" validate:"max=1024"`
}

// TwoFactorDisable handles POST /auth/2fa/disable.
func (h *Handler) TwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, _ := PrincipalFromContext(r.Context())

	if err := h.svc.DisableTwoFactor(r.Context(), p.User.ID, req.Password); err != nil {
		writeError(w, r, err)
		return
	}
	OK(w, "two-factor authentication disabled")
}

type codeRequest struct {
	Code string `json:"code" validate:"required,totp|backupcode"`
}

func (req *codeRequest) normalize() {
	req.Code = normalizeCode(req.Code)
}

type backupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// TwoFactorBackupCodes handles POST /auth/2fa/backup-codes. The old set stops
// working as soon as the new one is returned.
func (h *Handler) TwoFactorBackupCodes(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, _ := PrincipalFromContext(r.Context())

	codes, err := h.svc.RegenerateBackupCodes(r.Context(), p.User.ID, req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, backupCodesResponse{BackupCodes: codes})
}
