package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"hexpulse/api/internal/store"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	rs, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	return rs, s
}

func TestNewRedisStore(t *testing.T) {
	rs, _ := setupTestRedis(t)
	if err := rs.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveAndLookupSession(t *testing.T) {
	rs, _ := setupTestRedis(t)
	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	if err := rs.SaveSession(ctx, "hash-1", "user-123", expiresAt); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	sess, err := rs.LookupSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupSession failed: %v", err)
	}
	if sess.UserID != "user-123" {
		t.Errorf("expected user-123, got %s", sess.UserID)
	}
	if !sess.ExpiresAt.Equal(expiresAt) {
		t.Errorf("unexpected expiry %v", sess.ExpiresAt)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	ctx := context.Background()

	if err := rs.SaveSession(ctx, "short", "user-456", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	s.FastForward(2 * time.Minute)

	if _, err := rs.LookupSession(ctx, "short"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for expired session, got %v", err)
	}
}

func TestSaveRejectsPastExpiry(t *testing.T) {
	rs, _ := setupTestRedis(t)
	if err := rs.SaveSession(context.Background(), "old", "user-1", time.Now().Add(-time.Second)); err == nil {
		t.Fatal("expected error for past expiry")
	}
}

func TestLookupNonExistentSession(t *testing.T) {
	rs, _ := setupTestRedis(t)
	if _, err := rs.LookupSession(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLookupRejectsCorruptValue(t *testing.T) {
	rs, s := setupTestRedis(t)
	if err := s.Set("sess:corrupt", "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := rs.LookupSession(context.Background(), "corrupt")
	if err == nil || errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

type lookupFunc func(ctx context.Context, tokenHash string) (store.Session, error)

func (f lookupFunc) LookupSession(ctx context.Context, tokenHash string) (store.Session, error) {
	return f(ctx, tokenHash)
}

func TestChainFallsThroughMisses(t *testing.T) {
	rs, _ := setupTestRedis(t)
	fallbackCalls := 0
	fallback := lookupFunc(func(_ context.Context, tokenHash string) (store.Session, error) {
		fallbackCalls++
		if tokenHash == "pg-only" {
			return store.Session{UserID: "user-pg"}, nil
		}
		return store.Session{}, store.ErrNotFound
	})
	chain := Chain{rs, nil, fallback}
	ctx := context.Background()

	if err := rs.SaveSession(ctx, "cached", "user-redis", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	sess, err := chain.LookupSession(ctx, "cached")
	if err != nil || sess.UserID != "user-redis" {
		t.Fatalf("expected redis hit, got %+v %v", sess, err)
	}
	if fallbackCalls != 0 {
		t.Fatalf("expected redis hit to skip fallback, got %d calls", fallbackCalls)
	}

	sess, err = chain.LookupSession(ctx, "pg-only")
	if err != nil || sess.UserID != "user-pg" {
		t.Fatalf("expected fallback hit, got %+v %v", sess, err)
	}
	if _, err := chain.LookupSession(ctx, "nowhere"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChainBackfillsEarlierBackends(t *testing.T) {
	rs, _ := setupTestRedis(t)
	expiresAt := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	fallbackCalls := 0
	fallback := lookupFunc(func(context.Context, string) (store.Session, error) {
		fallbackCalls++
		return store.Session{UserID: "user-pg", ExpiresAt: expiresAt}, nil
	})
	chain := Chain{rs, fallback}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		sess, err := chain.LookupSession(ctx, "warm-me")
		if err != nil || sess.UserID != "user-pg" {
			t.Fatalf("lookup %d: expected user-pg, got %+v %v", i, sess, err)
		}
	}
	if fallbackCalls != 1 {
		t.Fatalf("expected second lookup to hit the cache, got %d fallback calls", fallbackCalls)
	}
	cached, err := rs.LookupSession(ctx, "warm-me")
	if err != nil || !cached.ExpiresAt.Equal(expiresAt) {
		t.Fatalf("expected cached session with fallback expiry, got %+v %v", cached, err)
	}
}

func TestChainIgnoresBackfillFailure(t *testing.T) {
	rs, _ := setupTestRedis(t)
	expired := lookupFunc(func(context.Context, string) (store.Session, error) {
		return store.Session{UserID: "user-pg", ExpiresAt: time.Now().Add(-time.Minute)}, nil
	})
	sess, err := Chain{rs, expired}.LookupSession(context.Background(), "stale")
	if err != nil || sess.UserID != "user-pg" {
		t.Fatalf("expected fallback hit despite failed backfill, got %+v %v", sess, err)
	}
}

func TestChainStopsOnBackendError(t *testing.T) {
	boom := errors.New("redis down")
	reached := false
	chain := Chain{
		lookupFunc(func(context.Context, string) (store.Session, error) { return store.Session{}, boom }),
		lookupFunc(func(context.Context, string) (store.Session, error) {
			reached = true
			return store.Session{UserID: "user"}, nil
		}),
	}
	if _, err := chain.LookupSession(context.Background(), "x"); !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if reached {
		t.Fatal("expected chain to stop at the failing backend")
	}
}

func TestChainPing(t *testing.T) {
	rs, s := setupTestRedis(t)
	chain := Chain{rs, lookupFunc(func(context.Context, string) (store.Session, error) { return store.Session{}, store.ErrNotFound })}
	if err := chain.Ping(context.Background()); err != nil {
		t.Fatalf("expected healthy chain, got %v", err)
	}
	s.Close()
	if err := chain.Ping(context.Background()); err == nil {
		t.Fatal("expected ping failure after redis stopped")
	}
}
