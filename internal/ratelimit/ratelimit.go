// Package ratelimit admits anonymous signals per device fingerprint.
//
// Rule A rejects a fingerprint that already reported from the same
// resolution-7 cell within the cluster cooldown. Rule B rejects a fingerprint
// that reported from anywhere within the daily cap. Rule A is evaluated first.
// The store's uniqueness constraints close the gap between the checks and the
// insert for concurrent submissions.
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"hexpulse/api/internal/aggregate"
	"hexpulse/api/internal/apperr"
	"hexpulse/api/internal/hexgrid"
	"hexpulse/api/internal/store"
)

const (
	DefaultClusterCooldown = 30 * 24 * time.Hour
	DefaultDailyCap        = 24 * time.Hour

	maxFingerprintLength = 256
)

type SignalStore interface {
	HasClusterSignalSince(ctx context.Context, fingerprint, h3r7 string, since time.Time) (bool, error)
	HasSignalSince(ctx context.Context, fingerprint string, since time.Time) (bool, error)
	InsertSignal(ctx context.Context, sig store.Signal) error
}

type Options struct {
	ClusterCooldown time.Duration
	DailyCap        time.Duration
	Now             func() time.Time
}

type Limiter struct {
	store           SignalStore
	grid            hexgrid.Index
	clusterCooldown time.Duration
	dailyCap        time.Duration
	now             func() time.Time
}

func New(signals SignalStore, grid hexgrid.Index, opts Options) *Limiter {
	if opts.ClusterCooldown <= 0 {
		opts.ClusterCooldown = DefaultClusterCooldown
	}
	if opts.DailyCap <= 0 {
		opts.DailyCap = DefaultDailyCap
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		store:           signals,
		grid:            grid,
		clusterCooldown: opts.ClusterCooldown,
		dailyCap:        opts.DailyCap,
		now:             opts.Now,
	}
}

type Candidate struct {
	LeafCell    string
	Bucket      int
	Fingerprint string
}

// Submit validates the candidate, applies Rule A then Rule B, and persists the
// signal with its precomputed ancestors.
func (l *Limiter) Submit(ctx context.Context, c Candidate) (store.Signal, error) {
	c.LeafCell = strings.TrimSpace(c.LeafCell)
	c.Fingerprint = strings.TrimSpace(c.Fingerprint)
	if c.LeafCell == "" || !l.grid.IsValid(c.LeafCell) {
		return store.Signal{}, apperr.Validation("Valid leafCell required")
	}
	if !aggregate.ValidBucket(c.Bucket) {
		return store.Signal{}, apperr.Validation("bucket must be between 0 and 4")
	}
	if c.Fingerprint == "" || len(c.Fingerprint) > maxFingerprintLength {
		return store.Signal{}, apperr.Validation("deviceFingerprint required")
	}

	ancestors, err := hexgrid.AncestorsOf(l.grid, c.LeafCell)
	if err != nil {
		return store.Signal{}, apperr.Validation("leafCell must be resolution 7 or finer")
	}

	now := l.now().UTC()
	recentCluster, err := l.store.HasClusterSignalSince(ctx, c.Fingerprint, ancestors.R7, now.Add(-l.clusterCooldown))
	if err != nil {
		return store.Signal{}, apperr.Upstream(err)
	}
	if recentCluster {
		return store.Signal{}, apperr.RateLimited(apperr.ReasonCooldown, "You already submitted for this area recently.")
	}
	recentAny, err := l.store.HasSignalSince(ctx, c.Fingerprint, now.Add(-l.dailyCap))
	if err != nil {
		return store.Signal{}, apperr.Upstream(err)
	}
	if recentAny {
		return store.Signal{}, apperr.RateLimited(apperr.ReasonRateLimited, "Daily limit reached")
	}

	sig := store.Signal{
		LeafCell:    c.LeafCell,
		Bucket:      c.Bucket,
		Fingerprint: c.Fingerprint,
		H3R5:        ancestors.R5,
		H3R6:        ancestors.R6,
		H3R7:        ancestors.R7,
		SubmittedAt: now,
	}
	switch err := l.store.InsertSignal(ctx, sig); {
	case err == nil:
		return sig, nil
	case errors.Is(err, store.ErrClusterConflict):
		return store.Signal{}, apperr.RateLimited(apperr.ReasonCooldown, "You already submitted for this area recently.")
	case errors.Is(err, store.ErrDailyConflict):
		return store.Signal{}, apperr.RateLimited(apperr.ReasonRateLimited, "Daily limit reached")
	default:
		return store.Signal{}, apperr.Upstream(err)
	}
}
