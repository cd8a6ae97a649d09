package auth

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/store"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/testutil"
	"github.com/gofrs/uuid/v5"
)

var (
	_ Store = (*store.PostgresStore)(nil)
	_ Store = (*testutil.MockStore)(nil)
)

// testClock is a settable clock shared by the components under test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedUser inserts a user with password (empty means passwordless) into ms.
func seedUser(t *testing.T, ms *testutil.MockStore, email, password string, opts ...func(*store.User)) *store.User {
	t.Helper()
	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("uuid: %v", err)
	}
	u := &store.User{ID: id, Email: email}
	if password != "" {
		hash, err := HashPassword(password)
		if err != nil {
			t.Fatalf("HashPassword: %v", err)
		}
		u.PasswordHash = &hash
	}
	for _, opt := range opts {
		opt(u)
	}
	ms.Users[id] = u
	return u
}

func blocked(u *store.User) { u.IsBlocked = true }
func admin(u *store.User)   { u.IsAdmin = true }

// assertErr fails unless errors.Is(err, want).
func assertErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func assertKind(t *testing.T, err error, want Kind) {
	t.Helper()
	if got := KindOf(err); got != want {
		t.Fatalf("expected kind %s, got %s (err=%v)", want, got, err)
	}
}
