// twofactor.go -- TOTP second factor with single-use backup codes.
//
// Per-user state: disabled -> pending (Setup) -> confirmed (Confirm) -> disabled (Disable).
// Backup codes are Argon2id-hashed at rest and consumed with a conditional UPDATE.
package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod      = 30
	totpSkew        = 1 // accept the adjacent step either side
	backupCodeCount = 10
	// No 0/O or 1/I/L.
	backupCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	qrSize             = 200
)

var (
	totpPattern       = regexp.MustCompile(`^\d{6}$`)
	backupCodePattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}$`)
)

// IsTOTPCode reports whether code has the six-digit TOTP shape.
func IsTOTPCode(code string) bool { return totpPattern.MatchString(code) }

// IsBackupCode reports whether code has the XXXX-XXXX backup-code shape.
func IsBackupCode(code string) bool { return backupCodePattern.MatchString(code) }

// TwoFactorSetup is returned by Setup. BackupCodes are a preview: they become usable
// only once Confirm succeeds with the same set.
type TwoFactorSetup struct {
	Secret          string
	ProvisioningURI string
	QRCode          string // data:image/png;base64,...
	BackupCodes     []string
}

// TwoFactorStatus summarises a user's second factor.
type TwoFactorStatus struct {
	Enabled              bool
	Pending              bool
	BackupCodesRemaining int
}

// TwoFactorEngine runs setup, confirmation, verification and removal of TOTP.
type TwoFactorEngine struct {
	store    TwoFactorStore
	sessions *SessionManager
	issuer   string
	now      func() time.Time
	log      *slog.Logger
}

// NewTwoFactorEngine returns an engine labelling provisioning URIs with issuer.
func NewTwoFactorEngine(s TwoFactorStore, sessions *SessionManager, issuer string, log *slog.Logger) *TwoFactorEngine {
	if log == nil {
		log = slog.Default()
	}
	return &TwoFactorEngine{store: s, sessions: sessions, issuer: issuer, now: time.Now, log: log}
}

func (e *TwoFactorEngine) user(ctx context.Context, userID uuid.UUID) (*store.User, error) {
	u, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	return u, nil
}

// generateBackupCodes returns n codes shaped XXXX-XXXX.
func generateBackupCodes(n int) ([]string, error) {
	alphabetLen := big.NewInt(int64(len(backupCodeAlphabet)))
	codes := make([]string, n)
	for i := range codes {
		var b [9]byte
		for j := range b {
			if j == 4 {
				b[j] = '-'
				continue
			}
			idx, err := rand.Int(rand.Reader, alphabetLen)
			if err != nil {
				return nil, fmt.Errorf("generating backup code: %w", err)
			}
			b[j] = backupCodeAlphabet[idx.Int64()]
		}
		codes[i] = string(b[:])
	}
	return codes, nil
}

// backupDigest binds a preview set to its pending secret. Order-sensitive.
func backupDigest(codes []string) []byte {
	h := sha256.New()
	for _, c := range codes {
		h.Write([]byte(c))
		h.Write([]byte{'\n'})
	}
	return h.Sum(nil)
}

// hashBackupCodes prepares rows for codes.
func hashBackupCodes(userID uuid.UUID, codes []string) ([]store.BackupCode, error) {
	rows := make([]store.BackupCode, len(codes))
	for i, c := range codes {
		hash, err := BackupCodeHasher.Hash(c)
		if err != nil {
			return nil, fmt.Errorf("hashing backup code: %w", err)
		}
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generating backup code id: %w", err)
		}
		rows[i] = store.BackupCode{ID: id, UserID: userID, CodeHash: hash}
	}
	return rows, nil
}

var totpOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// matchTOTP returns the time step code belongs to, searching totpSkew steps
// either side of now. The newest matching step wins.
func (e *TwoFactorEngine) matchTOTP(code, secret string) (int64, bool) {
	current := e.now().UTC().Unix() / totpPeriod
	for step := current + totpSkew; step >= current-totpSkew; step-- {
		want, err := totp.GenerateCodeCustom(secret, time.Unix(step*totpPeriod, 0).UTC(), totpOpts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(code), []byte(want)) == 1 {
			return step, true
		}
	}
	return 0, false
}

// Setup issues a new pending secret and backup-code preview, replacing any earlier
// pending setup. Fails with ErrTwoFactorAlreadyEnabled once confirmed.
func (e *TwoFactorEngine) Setup(ctx context.Context, userID uuid.UUID) (*TwoFactorSetup, error) {
	u, err := e.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.TwoFactorEnabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: u.Email,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generating totp key: %w", err)
	}

	codes, err := generateBackupCodes(backupCodeCount)
	if err != nil {
		return nil, err
	}

	err = e.store.UpsertPendingTwoFactor(ctx, userID, key.Secret(), backupDigest(codes))
	if err != nil {
		if errors.Is(err, store.ErrTwoFactorConfirmed) {
			return nil, ErrTwoFactorAlreadyEnabled
		}
		return nil, fmt.Errorf("storing pending secret: %w", err)
	}

	img, err := key.Image(qrSize, qrSize)
	if err != nil {
		return nil, fmt.Errorf("rendering qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding qr code: %w", err)
	}

	e.log.Info("two-factor setup issued", "user_id", userID)
	return &TwoFactorSetup{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRCode:          "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
		BackupCodes:     codes,
	}, nil
}

// Confirm promotes the pending secret after checking that secret and backupCodes are
// exactly what the latest Setup issued and that code is a current TOTP for it.
// Backup codes are never accepted as the confirming code.
func (e *TwoFactorEngine) Confirm(ctx context.Context, userID uuid.UUID, code, secret string, backupCodes []string) error {
	u, err := e.user(ctx, userID)
	if err != nil {
		return err
	}
	if u.TwoFactorEnabled {
		return ErrTwoFactorAlreadyEnabled
	}

	pending, err := e.store.GetTwoFactorSecret(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTwoFactorNotPending
		}
		return fmt.Errorf("loading pending secret: %w", err)
	}
	if pending.Confirmed() {
		return ErrTwoFactorAlreadyEnabled
	}

	if subtle.ConstantTimeCompare([]byte(secret), []byte(pending.Secret)) != 1 {
		e.log.Info("two-factor confirm failed", "user_id", userID, "reason", "stale_secret")
		return ErrTwoFactorStaleSetup
	}
	if len(backupCodes) != backupCodeCount ||
		subtle.ConstantTimeCompare(backupDigest(backupCodes), pending.BackupDigest) != 1 {
		e.log.Info("two-factor confirm failed", "user_id", userID, "reason", "backup_codes_mismatch")
		return ErrTwoFactorStaleSetup
	}
	step, ok := e.matchTOTP(code, pending.Secret)
	if !IsTOTPCode(code) || !ok {
		e.log.Info("two-factor confirm failed", "user_id", userID, "reason", "invalid_code")
		return ErrInvalidCode
	}

	rows, err := hashBackupCodes(userID, backupCodes)
	if err != nil {
		return err
	}
	if err := e.store.ConfirmTwoFactor(ctx, userID, pending.Secret, rows); err != nil {
		if errors.Is(err, store.ErrTwoFactorNotPending) {
			// Replaced or confirmed by a concurrent request.
			return ErrTwoFactorStaleSetup
		}
		return fmt.Errorf("confirming two-factor: %w", err)
	}
	// The confirming code must not also open a login.
	if err := e.store.MarkTOTPStepUsed(ctx, userID, step); err != nil && !errors.Is(err, store.ErrTOTPStepUsed) {
		e.log.Error("recording confirm step", "user_id", userID, "error", err)
	}

	e.log.Info("two-factor enabled", "user_id", userID)
	return nil
}

// VerifyCode checks a TOTP or backup code for a user with two-factor enabled.
// A matched backup code is consumed, and a TOTP code is accepted at most once.
// Every failure is ErrInvalidCode.
func (e *TwoFactorEngine) VerifyCode(ctx context.Context, userID uuid.UUID, code string) error {
	sec, err := e.store.GetTwoFactorSecret(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTwoFactorNotEnabled
		}
		return fmt.Errorf("loading secret: %w", err)
	}
	if !sec.Confirmed() {
		return ErrTwoFactorNotEnabled
	}

	switch {
	case IsTOTPCode(code):
		step, ok := e.matchTOTP(code, sec.Secret)
		if !ok {
			e.log.Info("two-factor code rejected", "user_id", userID, "reason", "totp_mismatch")
			return ErrInvalidCode
		}
		err := e.store.MarkTOTPStepUsed(ctx, userID, step)
		if errors.Is(err, store.ErrTOTPStepUsed) {
			e.log.Info("two-factor code rejected", "user_id", userID, "reason", "totp_replayed")
			return ErrInvalidCode
		}
		if err != nil {
			return fmt.Errorf("recording totp step: %w", err)
		}
		return nil

	case IsBackupCode(code):
		return e.consumeBackupCode(ctx, userID, code)
	}

	e.log.Info("two-factor code rejected", "user_id", userID, "reason", "malformed")
	return ErrInvalidCode
}

func (e *TwoFactorEngine) consumeBackupCode(ctx context.Context, userID uuid.UUID, code string) error {
	codes, err := e.store.ListUnusedBackupCodes(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading backup codes: %w", err)
	}

	for _, c := range codes {
		ok, err := BackupCodeHasher.Verify(code, c.CodeHash)
		if err != nil {
			e.log.Error("unreadable backup code hash", "user_id", userID, "code_id", c.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		err = e.store.MarkBackupCodeUsed(ctx, c.ID)
		if errors.Is(err, store.ErrBackupCodeUsed) {
			e.log.Info("two-factor code rejected", "user_id", userID, "reason", "backup_code_raced")
			return ErrInvalidCode
		}
		if err != nil {
			return fmt.Errorf("consuming backup code: %w", err)
		}
		e.log.Info("backup code used", "user_id", userID, "remaining", len(codes)-1)
		return nil
	}

	e.log.Info("two-factor code rejected", "user_id", userID, "reason", "backup_code_mismatch")
	return ErrInvalidCode
}

// VerifyLogin checks code and issues a fresh session.
func (e *TwoFactorEngine) VerifyLogin(ctx context.Context, userID uuid.UUID, code string, meta ClientMeta) (*Session, error) {
	if err := e.VerifyCode(ctx, userID, code); err != nil {
		if errors.Is(err, ErrTwoFactorNotEnabled) {
			return nil, ErrInvalidCode
		}
		return nil, err
	}
	return e.sessions.Create(ctx, userID, meta)
}

// Disable removes the secret and all backup codes after re-checking the password.
func (e *TwoFactorEngine) Disable(ctx context.Context, userID uuid.UUID, password string) error {
	u, err := e.user(ctx, userID)
	if err != nil {
		return err
	}
	if !u.TwoFactorEnabled {
		return ErrTwoFactorNotEnabled
	}
	if !u.HasPassword() {
		return ErrPasswordNotSet
	}
	ok, err := VerifyPassword(password, *u.PasswordHash)
	if err != nil {
		return fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		e.log.Info("two-factor disable failed", "user_id", userID, "reason", "wrong_password")
		return ErrInvalidCredentials
	}

	if err := e.store.DisableTwoFactor(ctx, userID); err != nil {
		return fmt.Errorf("disabling two-factor: %w", err)
	}
	e.log.Info("two-factor disabled", "user_id", userID)
	return nil
}

// RegenerateBackupCodes verifies code, then replaces all backup codes. Old codes stop
// working immediately.
func (e *TwoFactorEngine) RegenerateBackupCodes(ctx context.Context, userID uuid.UUID, code string) ([]string, error) {
	if err := e.VerifyCode(ctx, userID, code); err != nil {
		return nil, err
	}

	codes, err := generateBackupCodes(backupCodeCount)
	if err != nil {
		return nil, err
	}
	rows, err := hashBackupCodes(userID, codes)
	if err != nil {
		return nil, err
	}
	if err := e.store.ReplaceBackupCodes(ctx, userID, rows); err != nil {
		return nil, fmt.Errorf("replacing backup codes: %w", err)
	}

	e.log.Info("backup codes regenerated", "user_id", userID)
	return codes, nil
}

// Status reports whether two-factor is enabled or pending and how many codes remain.
func (e *TwoFactorEngine) Status(ctx context.Context, userID uuid.UUID) (TwoFactorStatus, error) {
	sec, err := e.store.GetTwoFactorSecret(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TwoFactorStatus{}, nil
		}
		return TwoFactorStatus{}, fmt.Errorf("loading secret: %w", err)
	}
	if !sec.Confirmed() {
		return TwoFactorStatus{Pending: true}, nil
	}

	n, err := e.store.CountUnusedBackupCodes(ctx, userID)
	if err != nil {
		return TwoFactorStatus{}, fmt.Errorf("counting backup codes: %w", err)
	}
	return TwoFactorStatus{Enabled: true, BackupCodesRemaining: n}, nil
}

// normalizeCode trims whitespace and upper-cases backup-code letters.
func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
