// errors.go -- Closed error taxonomy for the auth core.
//
// Every failure a caller can act on is an *Error carrying a Kind. Callers branch on
// errors.Is(err, ErrX) for a specific outcome or KindOf(err) for the class;
// message text is for humans only and never parsed.
package auth

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an auth failure.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindUnauthenticated
	KindForbidden
	KindInvalidCredential
	KindNotFound
	KindAlreadyInState
	KindRateLimited
	KindExpired
	KindConflict
)

var kindNames = [...]string{
	KindInternal:          "internal",
	KindInvalidInput:      "invalid_input",
	KindUnauthenticated:   "unauthenticated",
	KindForbidden:         "forbidden",
	KindInvalidCredential: "invalid_credential",
	KindNotFound:          "not_found",
	KindAlreadyInState:    "already_in_state",
	KindRateLimited:       "rate_limited",
	KindExpired:           "expired",
	KindConflict:          "conflict",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Error is a classified auth failure. Code is a stable machine-readable identifier;
// Message is safe to show to the end user.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// InvalidInput returns a validation failure with a user-facing message.
func InvalidInput(msg string) *Error {
	return newError(KindInvalidInput, "invalid_input", msg)
}

// Sentinels. Compare with errors.Is.
var (
	ErrInternal = newError(KindInternal, "internal", "internal server error")

	ErrUnauthenticated    = newError(KindUnauthenticated, "unauthenticated", "authentication required")
	ErrInvalidCredentials = newError(KindInvalidCredential, "invalid_credentials", "invalid credentials")
	ErrForbidden          = newError(KindForbidden, "forbidden", "forbidden")
	ErrAccountBlocked     = newError(KindForbidden, "account_blocked", "account is blocked")

	ErrEmailTaken        = newError(KindConflict, "email_taken", "email already registered")
	ErrEmailNotVerified  = newError(KindForbidden, "email_not_verified", "email address is not verified")
	ErrAlreadyVerified   = newError(KindAlreadyInState, "already_verified", "email already verified")
	ErrPasswordNotSet    = newError(KindForbidden, "password_not_set", "account has no password; set one first")
	ErrTokenInvalid      = newError(KindNotFound, "token_invalid", "token is invalid or has already been used")
	ErrTokenExpired      = newError(KindExpired, "token_expired", "token has expired")
	ErrChallengeInvalid  = newError(KindUnauthenticated, "challenge_invalid", "two-factor challenge is invalid")
	ErrChallengeExpired  = newError(KindExpired, "challenge_expired", "two-factor challenge has expired")
	ErrUserNotFound      = newError(KindNotFound, "user_not_found", "user not found")
	ErrSessionNotFound   = newError(KindUnauthenticated, "session_invalid", "session is invalid or expired")
	ErrTwoFactorRequired = newError(KindForbidden, "two_factor_required", "two-factor verification required")

	ErrInvalidCode             = newError(KindInvalidCredential, "invalid_code", "invalid code")
	ErrTwoFactorAlreadyEnabled = newError(KindAlreadyInState, "two_factor_enabled", "two-factor authentication is already enabled")
	ErrTwoFactorNotEnabled     = newError(KindAlreadyInState, "two_factor_disabled", "two-factor authentication is not enabled")
	ErrTwoFactorNotPending     = newError(KindNotFound, "two_factor_not_pending", "no pending two-factor setup")
	ErrTwoFactorStaleSetup     = newError(KindInvalidCredential, "two_factor_stale_setup", "setup is stale; start again")

	ErrUnknownProvider         = newError(KindNotFound, "unknown_provider", "unknown oauth provider")
	ErrOAuthState              = newError(KindUnauthenticated, "oauth_state_invalid", "invalid oauth state")
	ErrOAuthFailed             = newError(KindUnauthenticated, "oauth_failed", "oauth authentication failed")
	ErrOAuthEmailMissing       = newError(KindInvalidInput, "oauth_email_missing", "provider did not return an email address")
	ErrOAuthEmailInUse         = newError(KindConflict, "oauth_email_in_use", "an account with this email already exists; log in and link the provider")
	ErrIdentityLinkedElsewhere = newError(KindConflict, "identity_linked_elsewhere", "this provider account is linked to another user")
	ErrIdentityAlreadyLinked   = newError(KindAlreadyInState, "identity_already_linked", "this provider account is already linked")
	ErrProviderAlreadyLinked   = newError(KindConflict, "provider_already_linked", "another account at this provider is already linked")
	ErrIdentityNotLinked       = newError(KindNotFound, "identity_not_linked", "provider is not linked")
	ErrLastAuthMethod          = newError(KindForbidden, "last_auth_method", "cannot remove the last sign-in method")
)

// RateLimitError is returned when an identifier exceeded its attempt budget.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many attempts, retry in %s", e.RetryAfter.Round(time.Second))
}

// KindOf classifies err. nil and unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return KindRateLimited
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// RetryAfter returns the retry hint of a rate-limit error, or 0.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
