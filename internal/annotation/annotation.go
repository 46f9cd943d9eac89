// Package annotation records user annotations on cells, tallies votes on
// them and decides which annotations a public listing may show.
package annotation

import (
	"context"
	"errors"
	"strings"
	"time"

	"hexpulse/api/internal/aggregate"
	"hexpulse/api/internal/apperr"
	"hexpulse/api/internal/hexgrid"
	"hexpulse/api/internal/store"
	"hexpulse/api/internal/util"
	"hexpulse/api/internal/validate"
)

const (
	DefaultThreshold = 1
	MaxTitle         = 200
	MaxDetails       = 2000
	// RecentLimit caps how many annotations one listing considers.
	RecentLimit = 500
)

type Store interface {
	InsertAnnotation(ctx context.Context, a store.Annotation) error
	ListRecentAnnotations(ctx context.Context, kind string, limit int) ([]store.Annotation, error)
	CastVote(ctx context.Context, v store.Vote) (store.Tally, error)
}

type Draft struct {
	Cell    string `json:"cell" validate:"required"`
	Kind    string `json:"kind" validate:"required,max=64"`
	Title   string `json:"title" validate:"max=200"`
	Details string `json:"details" validate:"max=2000"`
}

var draftMessages = validate.Messages{
	"cell.required": "Valid cell required",
	"kind.required": "kind required",
	"title.max":     "title too long",
	"details.max":   "details too long",
}

type Scorer struct {
	store     Store
	grid      hexgrid.Index
	threshold int
	now       func() time.Time
	newID     func() string
}

// New builds a Scorer. A nil now uses time.Now.
func New(s Store, grid hexgrid.Index, threshold int, now func() time.Time) *Scorer {
	if now == nil {
		now = time.Now
	}
	return &Scorer{
		store:     s,
		grid:      grid,
		threshold: threshold,
		now:       now,
		newID:     func() string { return util.NewID("ann") },
	}
}

func (s *Scorer) Threshold() int {
	return s.threshold
}

func (s *Scorer) Create(ctx context.Context, authorID string, d Draft) (store.Annotation, error) {
	d.Cell = strings.TrimSpace(d.Cell)
	d.Kind = strings.TrimSpace(d.Kind)
	d.Title = strings.TrimSpace(d.Title)
	if err := validate.Struct(d, draftMessages); err != nil {
		return store.Annotation{}, err
	}
	if !s.grid.IsValid(d.Cell) {
		return store.Annotation{}, apperr.Validation("Valid cell required")
	}
	a := store.Annotation{
		ID:        s.newID(),
		AuthorID:  authorID,
		Cell:      d.Cell,
		Kind:      d.Kind,
		Title:     d.Title,
		Details:   d.Details,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.InsertAnnotation(ctx, a); err != nil {
		return store.Annotation{}, apperr.Upstream(err)
	}
	return a, nil
}

// Vote records voterID's vote, replacing any earlier one, and returns the
// recomputed tally.
func (s *Scorer) Vote(ctx context.Context, voterID, annotationID string, value int) (store.Tally, error) {
	annotationID = strings.TrimSpace(annotationID)
	if annotationID == "" {
		return store.Tally{}, apperr.Validation("id required")
	}
	if value != 1 && value != -1 {
		return store.Tally{}, apperr.Validation("value must be 1 or -1")
	}
	tally, err := s.store.CastVote(ctx, store.Vote{AnnotationID: annotationID, VoterID: voterID, Value: value})
	if errors.Is(err, store.ErrNotFound) {
		return store.Tally{}, apperr.NotFound("annotation not found")
	}
	if err != nil {
		return store.Tally{}, apperr.Upstream(err)
	}
	return tally, nil
}

// Recent loads the candidates for a listing, newest first.
func (s *Scorer) Recent(ctx context.Context, kind string) ([]store.Annotation, error) {
	list, err := s.store.ListRecentAnnotations(ctx, strings.TrimSpace(kind), RecentLimit)
	if err != nil {
		return nil, apperr.Upstream(err)
	}
	return list, nil
}

// Placed is an annotation positioned at its ancestor cell, never at its own
// finer cell.
type Placed struct {
	store.Annotation
	Parent string
	Center hexgrid.LatLng
}

// Visible keeps annotations whose net votes reach the threshold and whose
// ancestor at the query resolution is in visible, the set of cells that
// survived suppression of the membership aggregate. Malformed cells are
// skipped.
func (s *Scorer) Visible(annotations []store.Annotation, visible map[string]struct{}, q aggregate.Query) []Placed {
	res := aggregate.ResolutionForZoom(q.Zoom)
	out := make([]Placed, 0, len(annotations))
	for _, a := range annotations {
		if a.Net() < s.threshold {
			continue
		}
		parent, _, err := aggregate.Bin(s.grid, a.Cell, res)
		if err != nil {
			continue
		}
		if _, ok := visible[parent]; !ok {
			continue
		}
		center, err := s.grid.Center(parent)
		if err != nil || !q.BBox.Contains(center) {
			continue
		}
		out = append(out, Placed{Annotation: a, Parent: parent, Center: center})
	}
	return out
}
