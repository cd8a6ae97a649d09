package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/store"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/testutil"
)

func newTestTokens(t *testing.T) (*TokenService, *testutil.MockStore, *testClock) {
	t.Helper()
	ms := testutil.NewMockStore()
	clock := newTestClock()
	ms.Now = clock.Now
	s := NewTokenService(ms, 0, 0, 0)
	s.now = clock.Now
	return s, ms, clock
}

func TestIssueEmailVerification(t *testing.T) {
	ctx := context.Background()
	s, ms, clock := newTestTokens(t)
	u := seedUser(t, ms, "a@x.com", "pw-longenough")

	first, err := s.IssueEmailVerification(ctx, u.ID)
	if err != nil {
		t.Fatalf("IssueEmailVerification: %v", err)
	}
	tok := ms.TokenFor(u.ID, store.TokenEmailVerification)
	if tok == nil {
		t.Fatal("token not stored")
	}
	if !tok.ExpiresAt.Equal(clock.Now().Add(DefaultVerifyTokenTTL)) {
		t.Errorf("expiry: got %s", tok.ExpiresAt)
	}

	t.Run("reissue invalidates the prior token", func(t *testing.T) {
		second, err := s.IssueEmailVerification(ctx, u.ID)
		if err != nil {
			t.Fatalf("reissue: %v", err)
		}
		st, _ := s.Validate(ctx, first, store.TokenEmailVerification)
		if st.Valid || st.Expired {
			t.Errorf("old token should be gone, got %+v", st)
		}
		st, _ = s.Validate(ctx, second, store.TokenEmailVerification)
		if !st.Valid {
			t.Errorf("new token should be valid, got %+v", st)
		}
	})
}

func TestIssuePasswordResetUnknownEmail(t *testing.T) {
	s, ms, _ := newTestTokens(t)
	raw, issued, err := s.IssuePasswordReset(context.Background(), "nobody@x.com")
	if err != nil {
		t.Fatalf("unknown email must not error: %v", err)
	}
	if issued || raw != "" {
		t.Errorf("expected no-op, got issued=%v raw=%q", issued, raw)
	}
	if len(ms.Tokens) != 0 {
		t.Error("no token should be stored")
	}
}

func TestValidateToken(t *testing.T) {
	ctx := context.Background()
	s, ms, clock := newTestTokens(t)
	u := seedUser(t, ms, "a@x.com", "pw-longenough")
	raw, issued, err := s.IssuePasswordReset(ctx, "A@X.com")
	if err != nil || !issued {
		t.Fatalf("IssuePasswordReset: issued=%v err=%v", issued, err)
	}

	tests := []struct {
		name    string
		raw     string
		purpose string
		want    TokenStatus
	}{
		{"valid", raw, store.TokenPasswordReset, TokenStatus{Valid: true}},
		{"wrong purpose", raw, store.TokenEmailVerification, TokenStatus{}},
		{"malformed", "nope", store.TokenPasswordReset, TokenStatus{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.Validate(ctx, tc.raw, tc.purpose)
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected %+v, got %+v", tc.want, got)
			}
		})
	}

	t.Run("validation does not consume", func(t *testing.T) {
		s.Validate(ctx, raw, store.TokenPasswordReset)
		if ms.TokenFor(u.ID, store.TokenPasswordReset) == nil {
			t.Error("Validate must not mutate")
		}
	})

	t.Run("expired", func(t *testing.T) {
		clock.Advance(DefaultResetTokenTTL)
		got, _ := s.Validate(ctx, raw, store.TokenPasswordReset)
		if got != (TokenStatus{Expired: true}) {
			t.Errorf("expected expired, got %+v", got)
		}
	})
}

func TestConsumePasswordReset(t *testing.T) {
	ctx := context.Background()
	s, ms, clock := newTestTokens(t)
	u := seedUser(t, ms, "a@x.com", "pw-longenough")
	ms.Sessions["s1"] = &store.Session{UserID: u.ID, ExpiresAt: clock.Now().Add(time.Hour)}
	raw, _, _ := s.IssuePasswordReset(ctx, u.Email)

	userID, err := s.ConsumePasswordReset(ctx, raw, "new-hash")
	if err != nil {
		t.Fatalf("ConsumePasswordReset: %v", err)
	}
	if userID != u.ID {
		t.Errorf("owner: got %s", userID)
	}
	got := ms.User(u.ID)
	if got.PasswordHash == nil || *got.PasswordHash != "new-hash" {
		t.Error("password not updated")
	}
	if ms.SessionCount(u.ID) != 0 {
		t.Error("sessions must be revoked")
	}

	t.Run("second consumption fails", func(t *testing.T) {
		_, err := s.ConsumePasswordReset(ctx, raw, "other-hash")
		assertErr(t, err, ErrTokenInvalid)
	})
}

func TestConsumeExpiredToken(t *testing.T) {
	ctx := context.Background()
	s, ms, clock := newTestTokens(t)
	u := seedUser(t, ms, "a@x.com", "pw-longenough")
	raw, _ := s.IssueEmailVerification(ctx, u.ID)
	clock.Advance(DefaultVerifyTokenTTL + time.Second)

	_, _, err := s.ConsumeEmailVerification(ctx, raw)
	assertErr(t, err, ErrTokenExpired)
	if ms.User(u.ID).EmailVerified() {
		t.Error("expired token must not verify")
	}
}

func TestConsumeEmailVerification(t *testing.T) {
	ctx := context.Background()
	s, ms, _ := newTestTokens(t)
	u := seedUser(t, ms, "a@x.com", "pw-longenough")

	raw, _ := s.IssueEmailVerification(ctx, u.ID)
	_, already, err := s.ConsumeEmailVerification(ctx, raw)
	if err != nil {
		t.Fatalf("ConsumeEmailVerification: %v", err)
	}
	if already {
		t.Error("first verification should not report already verified")
	}
	if !ms.User(u.ID).EmailVerified() {
		t.Error("user should be verified")
	}

	raw, _ = s.IssueEmailVerification(ctx, u.ID)
	_, already, err = s.ConsumeEmailVerification(ctx, raw)
	if err != nil || !already {
		t.Errorf("expected already=true, got already=%v err=%v", already, err)
	}
}

func TestConsumeTokenConcurrently(t *testing.T) {
	ctx := context.Background()
	s, ms, _ := newTestTokens(t)
	u := seedUser(t, ms, "a@x.com", "pw-longenough")
	raw, _ := s.IssueEmailVerification(ctx, u.ID)

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.ConsumeEmailVerification(ctx, raw); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one successful consumption, got %d", wins)
	}
}

func TestTwoFactorChallenge(t *testing.T) {
	ctx := context.Background()
	s, ms, clock := newTestTokens(t)
	u := seedUser(t, ms, "a@x.com", "pw-longenough")

	raw, err := s.IssueTwoFactorChallenge(ctx, u.ID)
	if err != nil {
		t.Fatalf("IssueTwoFactorChallenge: %v", err)
	}
	got, err := s.PeekChallenge(ctx, raw)
	if err != nil || got != u.ID {
		t.Fatalf("PeekChallenge: got %s err=%v", got, err)
	}
	if _, err := s.ConsumeChallenge(ctx, raw); err != nil {
		t.Fatalf("ConsumeChallenge: %v", err)
	}
	_, err = s.PeekChallenge(ctx, raw)
	assertErr(t, err, ErrChallengeInvalid)
	_, err = s.ConsumeChallenge(ctx, raw)
	assertErr(t, err, ErrChallengeInvalid)

	t.Run("expires after five minutes", func(t *testing.T) {
		raw, _ := s.IssueTwoFactorChallenge(ctx, u.ID)
		clock.Advance(DefaultChallengeTTL)
		_, err := s.PeekChallenge(ctx, raw)
		assertErr(t, err, ErrChallengeExpired)
		_, err = s.ConsumeChallenge(ctx, raw)
		assertErr(t, err, ErrChallengeExpired)
	})
}

func TestCleanupExpiredTokens(t *testing.T) {
	ctx := context.Background()
	s, ms, clock := newTestTokens(t)
	a := seedUser(t, ms, "a@x.com", "pw-longenough")
	b := seedUser(t, ms, "b@x.com", "pw-longenough")

	used, _ := s.IssueEmailVerification(ctx, a.ID)
	s.ConsumeEmailVerification(ctx, used)
	s.IssuePasswordReset(ctx, b.Email)
	clock.Advance(2 * time.Hour)
	s.IssueEmailVerification(ctx, b.ID) // live

	counts, err := s.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	want := store.TokenCleanup{EmailVerification: 1, PasswordReset: 1}
	if counts != want {
		t.Errorf("expected %+v, got %+v", want, counts)
	}
	if len(ms.Tokens) != 1 {
		t.Errorf("expected 1 live token left, got %d", len(ms.Tokens))
	}
}
