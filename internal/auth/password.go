// password.go

// Argon2id hashing for passwords and backup codes, plus credential input validation.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
)

const argonSaltLen = 16

// ErrMalformedHash is returned by Verify when the stored hash is not a PHC Argon2id string.
var ErrMalformedHash = errors.New("malformed argon2id hash")

// Hasher derives Argon2id PHC strings with fixed cost parameters.
// Verify reads parameters back from the stored hash, so changing costs never strands
// existing hashes.
type Hasher struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
}

// DefaultHasher is used for passwords.
var DefaultHasher = Hasher{Time: 3, Memory: 64 * 1024, Threads: 2, KeyLen: 32}

// BackupCodeHasher is used for backup codes. Codes carry ~40 bits of entropy and a
// login may scan all ten, so the cost is lower than for passwords.
var BackupCodeHasher = Hasher{Time: 1, Memory: 19 * 1024, Threads: 1, KeyLen: 32}

// Hash returns a PHC-formatted hash with a fresh 16-byte salt.
// Format: $argon2id$v=19$m=65536,t=3,p=2$<base64 salt>$<base64 hash>
func (h Hasher) Hash(secret string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	key := argon2.IDKey([]byte(secret), salt, h.Time, h.Memory, h.Threads, h.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.Memory, h.Time, h.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify checks secret against encoded in constant time.
func (Hasher) Verify(secret, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, ErrMalformedHash
	}

	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, ErrMalformedHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, ErrMalformedHash
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) == 0 {
		return false, ErrMalformedHash
	}

	got := argon2.IDKey([]byte(secret), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// HashPassword hashes with DefaultHasher.
func HashPassword(password string) (string, error) {
	return DefaultHasher.Hash(password)
}

// VerifyPassword verifies with DefaultHasher.
func VerifyPassword(password, encoded string) (bool, error) {
	return DefaultHasher.Verify(password, encoded)
}

// dummyPasswordHash is verified when the account does not exist (or has no password)
// so both login paths cost one full Argon2id derivation.
var dummyPasswordHash = sync.OnceValue(func() string {
	h, err := HashPassword("dummy-password-for-timing")
	if err != nil {
		panic(fmt.Sprintf("auth: computing dummy hash: %v", err))
	}
	return h
})

// burnPasswordCheck runs a throwaway verification.
func burnPasswordCheck(password string) {
	VerifyPassword(password, dummyPasswordHash())
}

// NormalizeEmail trims surrounding space and lower-cases.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks format and length; returns a user-facing message or "".
// RFC 5321: max 254.
func ValidateEmail(email string) string {
	if email == "" {
		return "email is required"
	}
	if len(email) < 3 || len(email) > 254 {
		return "email length is invalid"
	}
	addr, err := netmail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email, "@") {
		return "email format is invalid"
	}
	return ""
}

// PasswordPolicy bounds password length.
//
//	MinLength is a rune count (user-perceived characters).
//	MaxBytes caps the Argon2id input size.
type PasswordPolicy struct {
	MinLength int
	MaxBytes  int
}

// DefaultPasswordPolicy applies at registration, reset and change.
var DefaultPasswordPolicy = PasswordPolicy{MinLength: 8, MaxBytes: 128}

// Validate returns a user-facing message or "".
func (p PasswordPolicy) Validate(password string) string {
	if password == "" {
		return "password is required"
	}
	if !utf8.ValidString(password) {
		return "password contains invalid characters"
	}
	for _, r := range password {
		if unicode.IsControl(r) {
			return "password contains invalid characters"
		}
	}
	if p.MinLength > 0 && utf8.RuneCountInString(password) < p.MinLength {
		return fmt.Sprintf("password must be at least %d characters", p.MinLength)
	}
	if p.MaxBytes > 0 && len(password) > p.MaxBytes {
		return fmt.Sprintf("password must be at most %d bytes", p.MaxBytes)
	}
	return ""
}
