package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/testutil"
)

func newTestSessions(t *testing.T) (*SessionManager, *testutil.MockStore, *testutil.MockCache, *testClock) {
	t.Helper()
	ms := testutil.NewMockStore()
	mc := testutil.NewMockCache()
	clock := newTestClock()
	ms.Now = clock.Now
	m := NewSessionManager(ms, mc, 0, discardLogger())
	m.now = clock.Now
	return m, ms, mc, clock
}

// --- secrets ---

func TestNewSecret(t *testing.T) {
	t.Run("hash matches SHA-256 of decoded token", func(t *testing.T) {
		token, hash, err := newSecret()
		if err != nil {
			t.Fatalf("newSecret returned error: %v", err)
		}
		raw, err := base64.RawURLEncoding.DecodeString(token)
		if err != nil {
			t.Fatalf("token is not base64url: %v", err)
		}
		if len(raw) != tokenBytes {
			t.Errorf("expected %d raw bytes, got %d", tokenBytes, len(raw))
		}
		want := sha256.Sum256(raw)
		if !bytes.Equal(hash, want[:]) {
			t.Error("hash does not match SHA-256 of token")
		}
	})

	t.Run("hashSecret rejects foreign input", func(t *testing.T) {
		for _, in := range []string{"", "not base64!", base64.RawURLEncoding.EncodeToString([]byte("short"))} {
			if _, ok := hashSecret(in); ok {
				t.Errorf("hashSecret(%q) should fail", in)
			}
		}
	})
}

// --- Create ---

func TestSessionCreate(t *testing.T) {
	m, ms, mc, clock := newTestSessions(t)
	u := seedUser(t, ms, "a@x.com", "")

	sess, err := m.Create(context.Background(), u.ID, ClientMeta{IP: "203.0.113.7", UserAgent: "test"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	hash, ok := hashSecret(sess.Token)
	if !ok {
		t.Fatal("issued token does not decode")
	}
	row, err := ms.GetSessionByTokenHash(context.Background(), hash)
	if err != nil {
		t.Fatalf("session row not stored: %v", err)
	}
	if row.UserID != u.ID {
		t.Errorf("row owner: got %s", row.UserID)
	}
	if got := row.ExpiresAt.Sub(row.CreatedAt); got != DefaultSessionTTL {
		t.Errorf("lifetime: expected %s, got %s", DefaultSessionTTL, got)
	}
	if !sess.ExpiresAt.Equal(clock.Now().Add(DefaultSessionTTL)) {
		t.Errorf("ExpiresAt: got %s", sess.ExpiresAt)
	}
	if row.IPAddress == nil || *row.IPAddress != "203.0.113.7" {
		t.Errorf("ip not recorded: %v", row.IPAddress)
	}
	csrf, _ := base64.RawURLEncoding.DecodeString(sess.CSRFToken)
	if !bytes.Equal(csrf, row.CSRFToken) {
		t.Error("CSRF token returned does not match stored token")
	}
	if !mc.Has(hash) {
		t.Error("session should be cached")
	}
	// The raw token is never stored.
	if bytes.Equal(row.TokenHash, []byte(sess.Token)) {
		t.Error("raw token stored")
	}
}

func TestSessionCreateCacheFailureIsNonFatal(t *testing.T) {
	m, ms, mc, _ := newTestSessions(t)
	mc.SetErr = errors.New("redis down")
	u := seedUser(t, ms, "a@x.com", "")

	if _, err := m.Create(context.Background(), u.ID, ClientMeta{}); err != nil {
		t.Fatalf("Create should succeed without cache: %v", err)
	}
}

// --- Verify ---

func TestSessionVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("valid session", func(t *testing.T) {
		m, ms, _, _ := newTestSessions(t)
		u := seedUser(t, ms, "a@x.com", "")
		sess, _ := m.Create(ctx, u.ID, ClientMeta{})

		p, ok := m.Verify(ctx, sess.Token)
		if !ok {
			t.Fatal("expected valid session")
		}
		if p.User.ID != u.ID {
			t.Errorf("principal user: got %s", p.User.ID)
		}
	})

	t.Run("malformed and unknown tokens are absent", func(t *testing.T) {
		m, _, _, _ := newTestSessions(t)
		unknown, _, _ := newSecret()
		for _, tok := range []string{"", "garbage", unknown} {
			if _, ok := m.Verify(ctx, tok); ok {
				t.Errorf("Verify(%q) should be absent", tok)
			}
		}
	})

	t.Run("expired session is absent and lazily deleted", func(t *testing.T) {
		m, ms, mc, clock := newTestSessions(t)
		u := seedUser(t, ms, "a@x.com", "")
		sess, _ := m.Create(ctx, u.ID, ClientMeta{})
		hash, _ := hashSecret(sess.Token)

		clock.Advance(DefaultSessionTTL)
		if _, ok := m.Verify(ctx, sess.Token); ok {
			t.Fatal("expired session must be absent")
		}
		if ms.SessionCount(u.ID) != 0 {
			t.Error("expired row should be deleted")
		}
		if mc.Has(hash) {
			t.Error("expired cache entry should be evicted")
		}
	})

	t.Run("blocked user is absent", func(t *testing.T) {
		m, ms, _, _ := newTestSessions(t)
		u := seedUser(t, ms, "a@x.com", "")
		sess, _ := m.Create(ctx, u.ID, ClientMeta{})
		ms.Users[u.ID].IsBlocked = true

		if _, ok := m.Verify(ctx, sess.Token); ok {
			t.Fatal("blocked user must not authenticate")
		}
	})

	t.Run("cache failure falls back to store and repopulates", func(t *testing.T) {
		m, ms, mc, _ := newTestSessions(t)
		u := seedUser(t, ms, "a@x.com", "")
		sess, _ := m.Create(ctx, u.ID, ClientMeta{})
		hash, _ := hashSecret(sess.Token)
		delete(mc.Sessions, string(hash))

		if _, ok := m.Verify(ctx, sess.Token); !ok {
			t.Fatal("expected store fallback to succeed")
		}
		if !mc.Has(hash) {
			t.Error("cache should be repopulated")
		}

		mc.GetErr = errors.New("redis down")
		if _, ok := m.Verify(ctx, sess.Token); !ok {
			t.Fatal("cache error must not fail verification")
		}
	})

	t.Run("store failure fails closed", func(t *testing.T) {
		m, ms, mc, _ := newTestSessions(t)
		u := seedUser(t, ms, "a@x.com", "")
		sess, _ := m.Create(ctx, u.ID, ClientMeta{})
		mc.GetErr = errors.New("redis down")
		ms.GetSessionErr = errors.New("postgres down")

		if _, ok := m.Verify(ctx, sess.Token); ok {
			t.Fatal("store error must report absent")
		}
	})
}

// --- Revoke ---

func TestSessionRevoke(t *testing.T) {
	ctx := context.Background()
	m, ms, mc, _ := newTestSessions(t)
	u := seedUser(t, ms, "a@x.com", "")
	sess, _ := m.Create(ctx, u.ID, ClientMeta{})
	hash, _ := hashSecret(sess.Token)

	if err := m.Revoke(ctx, sess.Token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, ok := m.Verify(ctx, sess.Token); ok {
		t.Error("revoked session still verifies")
	}
	if mc.Has(hash) {
		t.Error("revoked session still cached")
	}

	t.Run("idempotent", func(t *testing.T) {
		if err := m.Revoke(ctx, sess.Token); err != nil {
			t.Errorf("second Revoke: %v", err)
		}
		if err := m.Revoke(ctx, "garbage"); err != nil {
			t.Errorf("Revoke(garbage): %v", err)
		}
	})
}

func TestSessionRevokeAll(t *testing.T) {
	ctx := context.Background()
	m, ms, mc, _ := newTestSessions(t)
	u := seedUser(t, ms, "a@x.com", "")
	other := seedUser(t, ms, "b@x.com", "")

	for range 3 {
		if _, err := m.Create(ctx, u.ID, ClientMeta{}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	keep, _ := m.Create(ctx, other.ID, ClientMeta{})

	if err := m.RevokeAll(ctx, u.ID); err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if n := ms.SessionCount(u.ID); n != 0 {
		t.Errorf("expected 0 sessions, got %d", n)
	}
	if len(mc.Sessions) != 1 {
		t.Errorf("expected only the other user's session cached, got %d", len(mc.Sessions))
	}
	if _, ok := m.Verify(ctx, keep.Token); !ok {
		t.Error("other user's session should survive")
	}
}

func TestSessionCleanupExpired(t *testing.T) {
	ctx := context.Background()
	m, ms, _, clock := newTestSessions(t)
	u := seedUser(t, ms, "a@x.com", "")
	m.Create(ctx, u.ID, ClientMeta{})
	clock.Advance(DefaultSessionTTL + 48*time.Hour)
	m.Create(ctx, u.ID, ClientMeta{})

	n, err := m.CleanupExpired(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 removed, got %d", n)
	}
	if ms.SessionCount(u.ID) != 1 {
		t.Error("live session should remain")
	}
}
