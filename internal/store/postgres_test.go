package store

import (
	"context"
	"crypto/sha256"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

func hashOf(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}

// --- Users ---

func TestCreateUser(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	t.Run("stores defaults", func(t *testing.T) {
		id := mustCreateUser(t, ctx, "store_defaults@example.com")

		u, err := testStore.GetUserByID(ctx, id)
		if err != nil {
			t.Fatalf("GetUserByID: %v", err)
		}
		if u.Email != "store_defaults@example.com" {
			t.Errorf("email: got %q", u.Email)
		}
		if u.EmailVerified() {
			t.Error("new password user should be unverified")
		}
		if !u.HasPassword() {
			t.Error("expected password hash")
		}
		if u.TwoFactorEnabled || u.IsAdmin || u.IsBlocked {
			t.Error("flags should default to false")
		}
	})

	t.Run("duplicate email differing only in case", func(t *testing.T) {
		mustCreateUser(t, ctx, "store_dup@example.com")

		err := testStore.CreateUser(ctx, NewUser{ID: mustUUID(t), Email: "Store_Dup@Example.com"})
		if !errors.Is(err, ErrDuplicateEmail) {
			t.Fatalf("expected ErrDuplicateEmail, got %v", err)
		}
	})

	t.Run("lookup by email is case-insensitive", func(t *testing.T) {
		id := mustCreateUser(t, ctx, "store_case@example.com")

		u, err := testStore.GetUserByEmail(ctx, "STORE_CASE@example.com")
		if err != nil {
			t.Fatalf("GetUserByEmail: %v", err)
		}
		if u.ID != id {
			t.Errorf("id: expected %v, got %v", id, u.ID)
		}
	})

	t.Run("unknown email returns ErrNoRows", func(t *testing.T) {
		_, err := testStore.GetUserByEmail(ctx, "store_nobody@example.com")
		if !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("expected pgx.ErrNoRows, got %v", err)
		}
	})
}

func TestCreateOAuthUser(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	t.Run("user and identity created together", func(t *testing.T) {
		id := mustCreateOAuthUser(t, ctx, "store_oauth@example.com", "google", "sub-store-oauth")

		u, err := testStore.GetUserByIdentity(ctx, "google", "sub-store-oauth")
		if err != nil {
			t.Fatalf("GetUserByIdentity: %v", err)
		}
		if u.ID != id {
			t.Errorf("expected %v, got %v", id, u.ID)
		}
		if u.HasPassword() {
			t.Error("oauth user should have no password")
		}
		if !u.EmailVerified() {
			t.Error("expected verified email")
		}
	})

	t.Run("taken identity rolls back the user", func(t *testing.T) {
		mustCreateOAuthUser(t, ctx, "store_oauth_a@example.com", "google", "sub-store-taken")

		err := testStore.CreateOAuthUser(ctx,
			NewUser{ID: mustUUID(t), Email: "store_oauth_b@example.com"},
			mustUUID(t), "google", "sub-store-taken", nil)
		if !errors.Is(err, ErrIdentityTaken) {
			t.Fatalf("expected ErrIdentityTaken, got %v", err)
		}
		if _, err := testStore.GetUserByEmail(ctx, "store_oauth_b@example.com"); !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("user row should not survive failed identity insert, got %v", err)
		}
	})
}

// --- Sessions ---

func TestSessions(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	t.Run("expired session still readable for lazy deletion", func(t *testing.T) {
		userID := mustCreateUser(t, ctx, "store_sess_exp@example.com")
		h := hashOf("expired-session")
		mustCreateSession(t, ctx, userID, h, time.Now().Add(-time.Minute))

		sess, err := testStore.GetSessionByTokenHash(ctx, h)
		if err != nil {
			t.Fatalf("GetSessionByTokenHash: %v", err)
		}
		if sess.ExpiresAt.After(time.Now()) {
			t.Error("expected past expiry")
		}

		if err := testStore.DeleteSession(ctx, h); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		// Deleting again is not an error.
		if err := testStore.DeleteSession(ctx, h); err != nil {
			t.Fatalf("second DeleteSession: %v", err)
		}
		if _, err := testStore.GetSessionByTokenHash(ctx, h); !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("expected ErrNoRows after delete, got %v", err)
		}
	})

	t.Run("password update revokes every session", func(t *testing.T) {
		userID := mustCreateUser(t, ctx, "store_sess_pw@example.com")
		mustCreateSession(t, ctx, userID, hashOf("pw-a"), time.Now().Add(time.Hour))
		mustCreateSession(t, ctx, userID, hashOf("pw-b"), time.Now().Add(time.Hour))

		if err := testStore.UpdatePasswordAndRevokeSessions(ctx, userID, "newhash"); err != nil {
			t.Fatalf("UpdatePasswordAndRevokeSessions: %v", err)
		}
		for _, name := range []string{"pw-a", "pw-b"} {
			if _, err := testStore.GetSessionByTokenHash(ctx, hashOf(name)); !errors.Is(err, pgx.ErrNoRows) {
				t.Errorf("session %s survived password update", name)
			}
		}
		u, _ := testStore.GetUserByID(ctx, userID)
		if u.PasswordHash == nil || *u.PasswordHash != "newhash" {
			t.Error("password hash not updated")
		}
	})

	t.Run("cleanup honours retention", func(t *testing.T) {
		userID := mustCreateUser(t, ctx, "store_sess_clean@example.com")
		old := hashOf("cleanup-old")
		recent := hashOf("cleanup-recent")
		mustCreateSession(t, ctx, userID, old, time.Now().Add(-10*24*time.Hour))
		mustCreateSession(t, ctx, userID, recent, time.Now().Add(-time.Hour))

		if _, err := testStore.CleanupExpiredSessions(ctx, 7*24*time.Hour); err != nil {
			t.Fatalf("CleanupExpiredSessions: %v", err)
		}
		if _, err := testStore.GetSessionByTokenHash(ctx, old); !errors.Is(err, pgx.ErrNoRows) {
			t.Error("old session should be deleted")
		}
		if _, err := testStore.GetSessionByTokenHash(ctx, recent); err != nil {
			t.Error("recently expired session should be retained")
		}
	})
}

// --- Tokens ---

func TestReplaceToken(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	userID := mustCreateUser(t, ctx, "store_tok_replace@example.com")
	first := hashOf("replace-first")
	second := hashOf("replace-second")
	mustReplaceToken(t, ctx, userID, TokenPasswordReset, first, time.Now().Add(time.Hour))
	mustReplaceToken(t, ctx, userID, TokenPasswordReset, second, time.Now().Add(time.Hour))

	if _, err := testStore.GetTokenByHash(ctx, first, TokenPasswordReset); !errors.Is(err, pgx.ErrNoRows) {
		t.Errorf("earlier token should be invalidated, got %v", err)
	}
	if _, err := testStore.GetTokenByHash(ctx, second, TokenPasswordReset); err != nil {
		t.Errorf("latest token missing: %v", err)
	}

	// Another purpose is untouched.
	verify := hashOf("replace-verify")
	mustReplaceToken(t, ctx, userID, TokenEmailVerification, verify, time.Now().Add(time.Hour))
	if _, err := testStore.GetTokenByHash(ctx, second, TokenPasswordReset); err != nil {
		t.Errorf("reset token removed by verification issue: %v", err)
	}
}

func TestReplaceTokenConcurrentIssue(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	userID := mustCreateUser(t, ctx, "store_tok_burst@example.com")
	const n = 8
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = mustUUID(t)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- testStore.ReplaceToken(ctx, ids[i], userID, TokenPasswordReset,
				hashOf("burst-"+strconv.Itoa(i)), time.Now().Add(time.Hour))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent ReplaceToken: %v", err)
		}
	}

	var active int
	if err := testStore.pool.QueryRow(ctx,
		"SELECT count(*) FROM tokens WHERE user_id = $1 AND token_type = $2 AND used_at IS NULL",
		userID, TokenPasswordReset).Scan(&active); err != nil {
		t.Fatal(err)
	}
	if active != 1 {
		t.Errorf("expected exactly 1 active token, got %d", active)
	}
}

func TestConsumeToken(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	t.Run("wrong purpose is not found", func(t *testing.T) {
		userID := mustCreateUser(t, ctx, "store_tok_purpose@example.com")
		h := hashOf("purpose")
		mustReplaceToken(t, ctx, userID, TokenEmailVerification, h, time.Now().Add(time.Hour))

		if _, err := testStore.ConsumeToken(ctx, h, TokenPasswordReset); !errors.Is(err, ErrTokenNotFound) {
			t.Fatalf("expected ErrTokenNotFound, got %v", err)
		}
	})

	t.Run("expired token classified", func(t *testing.T) {
		userID := mustCreateUser(t, ctx, "store_tok_expired@example.com")
		h := hashOf("expired")
		mustReplaceToken(t, ctx, userID, TokenTwoFactorChallenge, h, time.Now().Add(time.Hour))
		backdateToken(t, ctx, h)

		if _, err := testStore.ConsumeToken(ctx, h, TokenTwoFactorChallenge); !errors.Is(err, ErrTokenExpired) {
			t.Fatalf("expected ErrTokenExpired, got %v", err)
		}
	})

	t.Run("concurrent consumers, exactly one wins", func(t *testing.T) {
		userID := mustCreateUser(t, ctx, "store_tok_race@example.com")
		h := hashOf("race")
		mustReplaceToken(t, ctx, userID, TokenTwoFactorChallenge, h, time.Now().Add(time.Hour))

		const n = 8
		var wg sync.WaitGroup
		results := make(chan error, n)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := testStore.ConsumeToken(ctx, h, TokenTwoFactorChallenge)
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrTokenNotFound):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		if wins != 1 {
			t.Errorf("expected exactly 1 successful consume, got %d", wins)
		}
	})
}

func TestConsumePasswordResetToken(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	userID := mustCreateUser(t, ctx, "store_reset@example.com")
	mustCreateSession(t, ctx, userID, hashOf("reset-session"), time.Now().Add(time.Hour))
	h := hashOf("reset-token")
	mustReplaceToken(t, ctx, userID, TokenPasswordReset, h, time.Now().Add(time.Hour))

	got, err := testStore.ConsumePasswordResetToken(ctx, h, "resethash")
	if err != nil {
		t.Fatalf("ConsumePasswordResetToken: %v", err)
	}
	if got != userID {
		t.Errorf("user id: expected %v, got %v", userID, got)
	}

	u, _ := testStore.GetUserByID(ctx, userID)
	if *u.PasswordHash != "resethash" {
		t.Error("password not updated")
	}
	if _, err := testStore.GetSessionByTokenHash(ctx, hashOf("reset-session")); !errors.Is(err, pgx.ErrNoRows) {
		t.Error("sessions should be revoked after reset")
	}

	// Replay fails and leaves the password alone.
	if _, err := testStore.ConsumePasswordResetToken(ctx, h, "otherhash"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("replay: expected ErrTokenNotFound, got %v", err)
	}
	u, _ = testStore.GetUserByID(ctx, userID)
	if *u.PasswordHash != "resethash" {
		t.Error("replayed token changed the password")
	}
}

func TestConsumeEmailVerificationToken(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	userID := mustCreateUser(t, ctx, "store_verify@example.com")
	h := hashOf("verify-1")
	mustReplaceToken(t, ctx, userID, TokenEmailVerification, h, time.Now().Add(time.Hour))

	_, wasVerified, err := testStore.ConsumeEmailVerificationToken(ctx, h)
	if err != nil {
		t.Fatalf("ConsumeEmailVerificationToken: %v", err)
	}
	if wasVerified {
		t.Error("first verification should flip the flag")
	}

	h2 := hashOf("verify-2")
	mustReplaceToken(t, ctx, userID, TokenEmailVerification, h2, time.Now().Add(time.Hour))
	_, wasVerified, err = testStore.ConsumeEmailVerificationToken(ctx, h2)
	if err != nil {
		t.Fatalf("second ConsumeEmailVerificationToken: %v", err)
	}
	if !wasVerified {
		t.Error("expected wasVerified on second token")
	}
}

func TestCleanupTokens(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	userID := mustCreateUser(t, ctx, "store_tok_cleanup@example.com")
	expired := hashOf("cleanup-expired")
	live := hashOf("cleanup-live")
	mustReplaceToken(t, ctx, userID, TokenPasswordReset, expired, time.Now().Add(time.Hour))
	backdateToken(t, ctx, expired)
	mustReplaceToken(t, ctx, userID, TokenEmailVerification, live, time.Now().Add(time.Hour))

	counts, err := testStore.CleanupTokens(ctx)
	if err != nil {
		t.Fatalf("CleanupTokens: %v", err)
	}
	if counts.PasswordReset < 1 {
		t.Errorf("expected at least one reset token removed, got %+v", counts)
	}
	if _, err := testStore.GetTokenByHash(ctx, live, TokenEmailVerification); err != nil {
		t.Errorf("live token removed: %v", err)
	}
}

// --- OAuth identities ---

func TestLinkIdentity(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	a := mustCreateUser(t, ctx, "store_link_a@example.com")
	b := mustCreateUser(t, ctx, "store_link_b@example.com")

	if err := testStore.LinkIdentity(ctx, mustUUID(t), a, "google", "sub-link", nil); err != nil {
		t.Fatalf("LinkIdentity: %v", err)
	}

	tests := []struct {
		name    string
		user    uuid.UUID
		subject string
		want    error
	}{
		{"subject owned by another user", b, "sub-link", ErrIdentityTaken},
		{"second google identity for user", a, "sub-other", ErrProviderAlreadyLinked},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := testStore.LinkIdentity(ctx, mustUUID(t), tc.user, "google", tc.subject, nil)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	ids, err := testStore.ListIdentities(ctx, a)
	if err != nil {
		t.Fatalf("ListIdentities: %v", err)
	}
	if len(ids) != 1 || ids[0].Provider != "google" {
		t.Errorf("unexpected identities: %+v", ids)
	}
}

func TestDeleteIdentity(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	t.Run("last method refused", func(t *testing.T) {
		userID := mustCreateOAuthUser(t, ctx, "store_unlink_last@example.com", "facebook", "fb-last")

		err := testStore.DeleteIdentity(ctx, userID, "facebook")
		if !errors.Is(err, ErrLastAuthMethod) {
			t.Fatalf("expected ErrLastAuthMethod, got %v", err)
		}
	})

	t.Run("allowed with second identity", func(t *testing.T) {
		userID := mustCreateOAuthUser(t, ctx, "store_unlink_two@example.com", "facebook", "fb-two")
		if err := testStore.LinkIdentity(ctx, mustUUID(t), userID, "google", "g-two", nil); err != nil {
			t.Fatalf("LinkIdentity: %v", err)
		}

		if err := testStore.DeleteIdentity(ctx, userID, "facebook"); err != nil {
			t.Fatalf("DeleteIdentity: %v", err)
		}
	})

	t.Run("allowed with password", func(t *testing.T) {
		userID := mustCreateUser(t, ctx, "store_unlink_pw@example.com")
		if err := testStore.LinkIdentity(ctx, mustUUID(t), userID, "google", "g-pw", nil); err != nil {
			t.Fatalf("LinkIdentity: %v", err)
		}
		if err := testStore.DeleteIdentity(ctx, userID, "google"); err != nil {
			t.Fatalf("DeleteIdentity: %v", err)
		}
	})

	t.Run("not linked", func(t *testing.T) {
		userID := mustCreateUser(t, ctx, "store_unlink_none@example.com")
		if err := testStore.DeleteIdentity(ctx, userID, "google"); !errors.Is(err, ErrIdentityNotFound) {
			t.Fatalf("expected ErrIdentityNotFound, got %v", err)
		}
	})

	t.Run("concurrent unlinks keep one method", func(t *testing.T) {
		userID := mustCreateOAuthUser(t, ctx, "store_unlink_race@example.com", "facebook", "fb-race")
		if err := testStore.LinkIdentity(ctx, mustUUID(t), userID, "google", "g-race", nil); err != nil {
			t.Fatalf("LinkIdentity: %v", err)
		}

		var wg sync.WaitGroup
		for _, p := range []string{"facebook", "google"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				testStore.DeleteIdentity(ctx, userID, p)
			}()
		}
		wg.Wait()

		ids, err := testStore.ListIdentities(ctx, userID)
		if err != nil {
			t.Fatalf("ListIdentities: %v", err)
		}
		if len(ids) != 1 {
			t.Errorf("expected exactly one identity left, got %d", len(ids))
		}
	})
}

// --- Two-factor ---

func backupCodesFor(t *testing.T, userID uuid.UUID, n int) []BackupCode {
	t.Helper()
	codes := make([]BackupCode, n)
	for i := range codes {
		codes[i] = BackupCode{ID: mustUUID(t), UserID: userID, CodeHash: "hash"}
	}
	return codes
}

func TestTwoFactorLifecycle(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()
	userID := mustCreateUser(t, ctx, "store_2fa@example.com")

	if err := testStore.UpsertPendingTwoFactor(ctx, userID, "SECRETONE", []byte("digest1")); err != nil {
		t.Fatalf("UpsertPendingTwoFactor: %v", err)
	}
	// Second setup overwrites the pending secret.
	if err := testStore.UpsertPendingTwoFactor(ctx, userID, "SECRETTWO", []byte("digest2")); err != nil {
		t.Fatalf("second UpsertPendingTwoFactor: %v", err)
	}

	if err := testStore.MarkTOTPStepUsed(ctx, userID, 100); !errors.Is(err, ErrTOTPStepUsed) {
		t.Errorf("step on pending secret: expected ErrTOTPStepUsed, got %v", err)
	}

	if err := testStore.ConfirmTwoFactor(ctx, userID, "SECRETONE", backupCodesFor(t, userID, 10)); !errors.Is(err, ErrTwoFactorNotPending) {
		t.Fatalf("stale secret: expected ErrTwoFactorNotPending, got %v", err)
	}

	codes := backupCodesFor(t, userID, 10)
	if err := testStore.ConfirmTwoFactor(ctx, userID, "SECRETTWO", codes); err != nil {
		t.Fatalf("ConfirmTwoFactor: %v", err)
	}
	u, _ := testStore.GetUserByID(ctx, userID)
	if !u.TwoFactorEnabled {
		t.Error("two_factor_enabled not set")
	}
	if err := testStore.UpsertPendingTwoFactor(ctx, userID, "SECRETTHREE", []byte("d")); !errors.Is(err, ErrTwoFactorConfirmed) {
		t.Errorf("setup over confirmed secret: expected ErrTwoFactorConfirmed, got %v", err)
	}

	if err := testStore.MarkTOTPStepUsed(ctx, userID, 100); err != nil {
		t.Fatalf("MarkTOTPStepUsed: %v", err)
	}
	for _, step := range []int64{100, 99} {
		if err := testStore.MarkTOTPStepUsed(ctx, userID, step); !errors.Is(err, ErrTOTPStepUsed) {
			t.Errorf("step %d after 100: expected ErrTOTPStepUsed, got %v", step, err)
		}
	}
	if err := testStore.MarkTOTPStepUsed(ctx, userID, 101); err != nil {
		t.Errorf("newer step: %v", err)
	}
	if sec, err := testStore.GetTwoFactorSecret(ctx, userID); err != nil || sec.LastUsedStep == nil || *sec.LastUsedStep != 101 {
		t.Errorf("last_used_step: got %+v, %v", sec, err)
	}

	if err := testStore.MarkBackupCodeUsed(ctx, codes[0].ID); err != nil {
		t.Fatalf("MarkBackupCodeUsed: %v", err)
	}
	if err := testStore.MarkBackupCodeUsed(ctx, codes[0].ID); !errors.Is(err, ErrBackupCodeUsed) {
		t.Errorf("reuse: expected ErrBackupCodeUsed, got %v", err)
	}
	if n, _ := testStore.CountUnusedBackupCodes(ctx, userID); n != 9 {
		t.Errorf("expected 9 unused codes, got %d", n)
	}

	if err := testStore.ReplaceBackupCodes(ctx, userID, backupCodesFor(t, userID, 10)); err != nil {
		t.Fatalf("ReplaceBackupCodes: %v", err)
	}
	// Old unused code rows are gone after regeneration.
	if err := testStore.MarkBackupCodeUsed(ctx, codes[1].ID); !errors.Is(err, ErrBackupCodeUsed) {
		t.Errorf("replaced code still usable: %v", err)
	}
	if n, _ := testStore.CountUnusedBackupCodes(ctx, userID); n != 10 {
		t.Errorf("expected 10 unused codes, got %d", n)
	}

	if err := testStore.DisableTwoFactor(ctx, userID); err != nil {
		t.Fatalf("DisableTwoFactor: %v", err)
	}
	if _, err := testStore.GetTwoFactorSecret(ctx, userID); !errors.Is(err, pgx.ErrNoRows) {
		t.Errorf("secret should be deleted, got %v", err)
	}
	if n, _ := testStore.CountUnusedBackupCodes(ctx, userID); n != 0 {
		t.Errorf("expected 0 codes after disable, got %d", n)
	}
	u, _ = testStore.GetUserByID(ctx, userID)
	if u.TwoFactorEnabled {
		t.Error("two_factor_enabled not cleared")
	}
}
