// Package zone manages each user's single declared zone and its change lock.
package zone

import (
	"context"
	"errors"
	"strings"
	"time"

	"hexpulse/api/internal/apperr"
	"hexpulse/api/internal/hexgrid"
	"hexpulse/api/internal/store"
)

const DefaultLock = 7 * 24 * time.Hour

// Declared zones only accept the group buckets (5+ people).
const (
	MinGroupBucket = 2
	MaxGroupBucket = 4
)

type MembershipStore interface {
	GetMembership(ctx context.Context, userID string) (store.Membership, error)
	UpsertMembership(ctx context.Context, m store.Membership) (bool, error)
}

type Manager struct {
	store MembershipStore
	grid  hexgrid.Index
	lock  time.Duration
	now   func() time.Time
}

// New uses DefaultLock when lock is not positive and time.Now when now is nil.
func New(memberships MembershipStore, grid hexgrid.Index, lock time.Duration, now func() time.Time) *Manager {
	if lock <= 0 {
		lock = DefaultLock
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{store: memberships, grid: grid, lock: lock, now: now}
}

// Current returns the user's membership, or ok=false when none exists.
func (m *Manager) Current(ctx context.Context, userID string) (store.Membership, bool, error) {
	current, err := m.store.GetMembership(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Membership{}, false, nil
	}
	if err != nil {
		return store.Membership{}, false, apperr.Upstream(err)
	}
	return current, true, nil
}

// Declare replaces the user's zone unless the previous change is still
// locked, in which case the existing lockedUntil is returned in the error.
func (m *Manager) Declare(ctx context.Context, userID, cell string, bucket int) (store.Membership, error) {
	cell = strings.TrimSpace(cell)
	if cell == "" || !m.grid.IsValid(cell) {
		return store.Membership{}, apperr.Validation("Valid cell required")
	}
	if bucket < MinGroupBucket || bucket > MaxGroupBucket {
		return store.Membership{}, apperr.Validation("Group must be 5+")
	}
	ancestors, err := hexgrid.AncestorsOf(m.grid, cell)
	if err != nil {
		return store.Membership{}, apperr.Validation("cell must be resolution 7 or finer")
	}

	now := m.now().UTC()
	current, exists, err := m.Current(ctx, userID)
	if err != nil {
		return store.Membership{}, err
	}
	if exists && now.Before(current.LockedUntil) {
		return store.Membership{}, apperr.Locked(current.LockedUntil)
	}

	next := store.Membership{
		UserID:      userID,
		HomeCell:    cell,
		Bucket:      bucket,
		H3R5:        ancestors.R5,
		H3R6:        ancestors.R6,
		H3R7:        ancestors.R7,
		UpdatedAt:   now,
		LockedUntil: now.Add(m.lock),
	}
	applied, err := m.store.UpsertMembership(ctx, next)
	if err != nil {
		return store.Membership{}, apperr.Upstream(err)
	}
	if !applied {
		// a concurrent change won the race and now holds the lock
		winner, exists, err := m.Current(ctx, userID)
		if err != nil {
			return store.Membership{}, err
		}
		if !exists {
			return store.Membership{}, apperr.Upstream(errors.New("membership vanished during upsert"))
		}
		return store.Membership{}, apperr.Locked(winner.LockedUntil)
	}
	return next, nil
}
