// Package session resolves hashed session tokens to user ids. Sessions are
// issued by the external login flow into PostgreSQL; Redis caches them.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"hexpulse/api/internal/store"
)

// record is the JSON value stored under each session key.
type record struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RedisStore keeps sessions under "sess:<tokenHash>" with a TTL matching
// the session expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "sess:", now: time.Now}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// SaveSession caches a session until its expiry. An expiry in the past is
// rejected rather than stored.
func (s *RedisStore) SaveSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("save session: expiry %s already passed", expiresAt.UTC().Format(time.RFC3339))
	}
	payload, err := json.Marshal(record{UserID: userID, ExpiresAt: expiresAt.UTC()})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(tokenHash), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LookupSession returns store.ErrNotFound for unknown or expired tokens.
func (s *RedisStore) LookupSession(ctx context.Context, tokenHash string) (store.Session, error) {
	raw, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return store.Session{}, store.ErrNotFound
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("lookup session: %w", err)
	}

	var data record
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return store.Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	if data.UserID == "" || !data.ExpiresAt.After(s.now()) {
		return store.Session{}, store.ErrNotFound
	}
	return store.Session{UserID: data.UserID, ExpiresAt: data.ExpiresAt}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
