package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"hexpulse/api/internal/aggregate"
	"hexpulse/api/internal/annotation"
	"hexpulse/api/internal/apperr"
	"hexpulse/api/internal/auth"
	"hexpulse/api/internal/config"
	"hexpulse/api/internal/hexgrid"
	"hexpulse/api/internal/metrics"
	"hexpulse/api/internal/privacy"
	"hexpulse/api/internal/ratelimit"
	"hexpulse/api/internal/rbac"
	"hexpulse/api/internal/session"
	"hexpulse/api/internal/store"
	"hexpulse/api/internal/util"
	"hexpulse/api/internal/zone"
)

const (
	// seeded signals are placed one resolution finer than the finest view
	seedResolution = 9
	maxSeed        = 200
)

type dataStore interface {
	ratelimit.SignalStore
	zone.MembershipStore
	annotation.Store
	session.Lookup
	InsertSignals(context.Context, []store.Signal) error
	ListSignalBuckets(context.Context, time.Time) ([]store.CellBucket, error)
	ListMembershipBuckets(context.Context) ([]store.CellBucket, error)
	Ping(context.Context) error
}

// pinger is implemented by session backends that can report readiness.
type pinger interface {
	Ping(context.Context) error
}

// Principal is the caller a request was authenticated as.
type Principal struct {
	UserID string
	Role   rbac.Role
}

type Service struct {
	cfg         config.Config
	store       dataStore
	sessions    session.Lookup
	grid        hexgrid.Index
	aggregator  *aggregate.Aggregator
	gate        *privacy.Gate
	limiter     *ratelimit.Limiter
	zones       *zone.Manager
	annotations *annotation.Scorer
	now         func() time.Time

	// sessions lives outside the main store and needs its own readiness check
	separateSessions bool
}

type Options struct {
	Grid     hexgrid.Index
	Sessions session.Lookup
	Noise    privacy.Source
	Now      func() time.Time
}

// New wires the density pipeline from one resolved configuration.
func New(cfg config.Config, ds dataStore, opts Options) *Service {
	if opts.Grid == nil {
		opts.Grid = hexgrid.NewH3()
	}
	separateSessions := opts.Sessions != nil
	if opts.Sessions == nil {
		opts.Sessions = ds
	}
	if opts.Noise == nil {
		opts.Noise = privacy.NewRandomSource()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		cfg:        cfg,
		store:      ds,
		sessions:   opts.Sessions,
		grid:       opts.Grid,
		aggregator: aggregate.New(opts.Grid),
		gate:       privacy.NewGate(cfg.KThreshold, cfg.NoiseScale, opts.Noise),
		limiter: ratelimit.New(ds, opts.Grid, ratelimit.Options{
			ClusterCooldown: cfg.ClusterCooldown,
			DailyCap:        cfg.DailyCap,
			Now:             opts.Now,
		}),
		zones:            zone.New(ds, opts.Grid, cfg.ZoneLock, opts.Now),
		annotations:      annotation.New(ds, opts.Grid, cfg.VoteThreshold, opts.Now),
		now:              opts.Now,
		separateSessions: separateSessions,
	}
}

type Params struct {
	K             int     `json:"K"`
	NoiseScale    float64 `json:"noiseScale"`
	VoteThreshold int     `json:"voteThreshold"`
}

func (s *Service) Params() Params {
	return Params{K: s.gate.K(), NoiseScale: s.gate.NoiseScale(), VoteThreshold: s.annotations.Threshold()}
}

// Ping checks the store and, when it is a separate backend, the session store.
func (s *Service) Ping(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if p, ok := s.sessions.(pinger); ok && s.separateSessions {
		checks["sessions"] = p.Ping(ctx)
	}
	return checks
}

// Authenticate resolves a raw session token.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, apperr.Auth("Unauthorized")
	}
	sess, err := s.sessions.LookupSession(ctx, auth.HashToken(s.cfg.SessionSecret, token))
	if errors.Is(err, store.ErrNotFound) {
		return Principal{}, apperr.Auth("Unauthorized")
	}
	if err != nil {
		return Principal{}, apperr.Upstream(err)
	}
	if !sess.ExpiresAt.IsZero() && !sess.ExpiresAt.After(s.now()) {
		return Principal{}, apperr.Auth("Session expired")
	}
	return Principal{UserID: sess.UserID, Role: rbac.RoleMember}, nil
}

func (s *Service) IsOperator(key string) bool {
	return auth.VerifyOperatorKey(s.cfg.OperatorKeyHash, strings.TrimSpace(key))
}

// Aggregate runs the signal pipeline. Privileged callers receive exact,
// unsuppressed counts over the same window and resolution.
func (s *Service) Aggregate(ctx context.Context, q aggregate.Query, privileged bool) ([]privacy.Cell, error) {
	rows, err := s.store.ListSignalBuckets(ctx, s.now().Add(-s.cfg.SignalWindow))
	if err != nil {
		return nil, apperr.Upstream(err)
	}
	view := "public"
	if privileged {
		view = "operator"
	}
	cells := s.aggregator.Aggregate(toRecords(rows), q)
	metrics.AggregateCells.WithLabelValues(view, "raw").Observe(float64(len(cells)))
	out := s.gate.Apply(cells, privileged)
	metrics.AggregateCells.WithLabelValues(view, "published").Observe(float64(len(out)))
	return out, nil
}

func (s *Service) Submit(ctx context.Context, c ratelimit.Candidate) error {
	_, err := s.limiter.Submit(ctx, c)
	metrics.SubmissionsTotal.WithLabelValues(outcome(err)).Inc()
	return err
}

func (s *Service) DeclareZone(ctx context.Context, p Principal, cell string, bucket int) (store.Membership, error) {
	m, err := s.zones.Declare(ctx, p.UserID, cell, bucket)
	metrics.ZoneChangesTotal.WithLabelValues(outcome(err)).Inc()
	return m, err
}

func (s *Service) Membership(ctx context.Context, p Principal) (*store.Membership, error) {
	m, ok, err := s.zones.Current(ctx, p.UserID)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

func (s *Service) CreateAnnotation(ctx context.Context, p Principal, d annotation.Draft) (store.Annotation, error) {
	return s.annotations.Create(ctx, p.UserID, d)
}

func (s *Service) Vote(ctx context.Context, p Principal, annotationID string, value int) (store.Tally, error) {
	tally, err := s.annotations.Vote(ctx, p.UserID, annotationID, value)
	if err == nil {
		label := "up"
		if value < 0 {
			label = "down"
		}
		metrics.VotesTotal.WithLabelValues(label).Inc()
	}
	return tally, err
}

// ListAnnotations shows annotations only where the declared-zone aggregate
// itself would be published.
func (s *Service) ListAnnotations(ctx context.Context, q aggregate.Query, kind string) ([]annotation.Placed, error) {
	rows, err := s.store.ListMembershipBuckets(ctx)
	if err != nil {
		return nil, apperr.Upstream(err)
	}
	zones := s.aggregator.Aggregate(toRecords(rows), aggregate.Query{BBox: q.BBox, Zoom: q.Zoom, Geometry: aggregate.GeometryPoint})
	visible := s.gate.VisibleSet(zones)
	if len(visible) == 0 {
		return []annotation.Placed{}, nil
	}
	recent, err := s.annotations.Recent(ctx, kind)
	if err != nil {
		return nil, err
	}
	return s.annotations.Visible(recent, visible, q), nil
}

type SeedInput struct {
	Cell   string   `json:"cell"`
	Lat    *float64 `json:"lat" validate:"omitempty,latitude"`
	Lng    *float64 `json:"lng" validate:"omitempty,longitude"`
	N      int      `json:"n"`
	Bucket int      `json:"bucket"`
}

// Seed inserts synthetic signals for demos without going through the
// limiter. n is clamped to [1, 200] and bucket to the valid range.
func (s *Service) Seed(ctx context.Context, in SeedInput) (int, error) {
	cell := strings.TrimSpace(in.Cell)
	if cell == "" && in.Lat != nil && in.Lng != nil {
		located, err := s.grid.FromLatLng(*in.Lat, *in.Lng, seedResolution)
		if err != nil {
			return 0, apperr.Validation("valid cell required")
		}
		cell = located
	}
	if cell == "" || !s.grid.IsValid(cell) {
		return 0, apperr.Validation("valid cell required")
	}
	ancestors, err := hexgrid.AncestorsOf(s.grid, cell)
	if err != nil {
		return 0, apperr.Validation("cell must be resolution 7 or finer")
	}
	n := min(max(in.N, 1), maxSeed)
	bucket := min(max(in.Bucket, aggregate.MinBucket), aggregate.MaxBucket)

	now := s.now().UTC()
	signals := make([]store.Signal, n)
	for i := range signals {
		signals[i] = store.Signal{
			LeafCell:    cell,
			Bucket:      bucket,
			Fingerprint: util.NewID("seed"),
			H3R5:        ancestors.R5,
			H3R6:        ancestors.R6,
			H3R7:        ancestors.R7,
			SubmittedAt: now,
		}
	}
	if err := s.store.InsertSignals(ctx, signals); err != nil {
		return 0, apperr.Upstream(err)
	}
	return n, nil
}

func toRecords(rows []store.CellBucket) []aggregate.Record {
	records := make([]aggregate.Record, len(rows))
	for i, row := range rows {
		records[i] = aggregate.Record{Cell: row.Cell, Bucket: row.Bucket}
	}
	return records
}

// outcome is the metrics label for a pipeline result.
func outcome(err error) string {
	if err == nil {
		return "accepted"
	}
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		return "error"
	}
	switch appErr.Kind {
	case apperr.KindRateLimited:
		return appErr.Reason
	case apperr.KindValidation:
		return "invalid"
	default:
		return "error"
	}
}
