package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSessionCache(t *testing.T) {
	requireRedis(t)
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		userID := mustUUID(t)
		h := hashOf("cache-roundtrip")
		want := CachedSession{
			UserID:    userID,
			CSRFToken: []byte("csrf-roundtrip"),
			ExpiresAt: time.Now().Add(time.Hour).Truncate(time.Second),
		}
		t.Cleanup(func() { testRedis.DeleteSession(ctx, h, userID) })

		if err := testRedis.SetSession(ctx, h, want); err != nil {
			t.Fatalf("SetSession: %v", err)
		}
		got, err := testRedis.GetSession(ctx, h)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.UserID != userID || string(got.CSRFToken) != "csrf-roundtrip" || !got.ExpiresAt.Equal(want.ExpiresAt) {
			t.Errorf("unexpected cached session: %+v", got)
		}
	})

	t.Run("miss returns ErrCacheMiss", func(t *testing.T) {
		_, err := testRedis.GetSession(ctx, hashOf("cache-nothing"))
		if !errors.Is(err, ErrCacheMiss) {
			t.Fatalf("expected ErrCacheMiss, got %v", err)
		}
	})

	t.Run("already expired session is not cached", func(t *testing.T) {
		h := hashOf("cache-expired")
		err := testRedis.SetSession(ctx, h, CachedSession{UserID: mustUUID(t), ExpiresAt: time.Now().Add(-time.Second)})
		if err != nil {
			t.Fatalf("SetSession: %v", err)
		}
		if _, err := testRedis.GetSession(ctx, h); !errors.Is(err, ErrCacheMiss) {
			t.Fatalf("expected ErrCacheMiss, got %v", err)
		}
	})

	t.Run("delete all user sessions", func(t *testing.T) {
		userID := mustUUID(t)
		hashes := [][]byte{hashOf("cache-all-1"), hashOf("cache-all-2")}
		for _, h := range hashes {
			if err := testRedis.SetSession(ctx, h, CachedSession{UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
				t.Fatalf("SetSession: %v", err)
			}
		}

		if err := testRedis.DeleteAllUserSessions(ctx, userID); err != nil {
			t.Fatalf("DeleteAllUserSessions: %v", err)
		}
		for _, h := range hashes {
			if _, err := testRedis.GetSession(ctx, h); !errors.Is(err, ErrCacheMiss) {
				t.Errorf("session still cached: %v", err)
			}
		}
	})
}

func TestRedisCounterStore(t *testing.T) {
	requireRedis(t)
	ctx := context.Background()
	cs := NewRedisCounterStore(testRDB)
	key := "test:" + mustUUID(t).String()
	t.Cleanup(func() { testRDB.Del(ctx, counterKeyPrefix+key) })

	for want := int64(1); want <= 3; want++ {
		n, resetAt, err := cs.Incr(ctx, key, time.Minute)
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if n != want {
			t.Errorf("count: expected %d, got %d", want, n)
		}
		if until := time.Until(resetAt); until <= 0 || until > time.Minute {
			t.Errorf("resetAt out of window: %v", until)
		}
	}

	t.Run("window expiry resets count", func(t *testing.T) {
		short := key + ":short"
		t.Cleanup(func() { testRDB.Del(ctx, counterKeyPrefix+short) })

		cs.Incr(ctx, short, 50*time.Millisecond)
		time.Sleep(100 * time.Millisecond)
		n, _, err := cs.Incr(ctx, short, 50*time.Millisecond)
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if n != 1 {
			t.Errorf("expected count reset to 1, got %d", n)
		}
	})
}
