package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hexpulse/api/internal/logging"
	"hexpulse/api/internal/store"
)

type Lookup interface {
	LookupSession(ctx context.Context, tokenHash string) (store.Session, error)
}

// Saver is a backend that can cache sessions found further down a Chain.
type Saver interface {
	SaveSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
}

// Chain asks each backend in order and returns the first hit. A miss falls
// through to the next backend; any other error stops the chain. A hit is
// written back to the earlier backends that implement Saver.
type Chain []Lookup

func (c Chain) LookupSession(ctx context.Context, tokenHash string) (store.Session, error) {
	for i, backend := range c {
		if backend == nil {
			continue
		}
		sess, err := backend.LookupSession(ctx, tokenHash)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err == nil {
			c.backfill(ctx, i, tokenHash, sess)
		}
		return sess, err
	}
	return store.Session{}, store.ErrNotFound
}

// backfill failures only cost a later cache miss.
func (c Chain) backfill(ctx context.Context, hit int, tokenHash string, sess store.Session) {
	for _, backend := range c[:hit] {
		saver, ok := backend.(Saver)
		if !ok {
			continue
		}
		if err := saver.SaveSession(ctx, tokenHash, sess.UserID, sess.ExpiresAt); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("session cache backfill failed")
		}
	}
}

// Ping checks every backend that supports it.
func (c Chain) Ping(ctx context.Context) error {
	for i, backend := range c {
		p, ok := backend.(interface{ Ping(context.Context) error })
		if !ok {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("session backend %d: %w", i, err)
		}
	}
	return nil
}
