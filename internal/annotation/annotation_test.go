package annotation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"hexpulse/api/internal/aggregate"
	"hexpulse/api/internal/apperr"
	"hexpulse/api/internal/hexgrid/hexgridtest"
	"hexpulse/api/internal/store"
)

// memoryStore keys votes by (annotation, voter) like the annotation_votes
// primary key and recomputes the tally on every cast.
type memoryStore struct {
	mu          sync.Mutex
	annotations map[string]store.Annotation
	votes       map[[2]string]int
	insertErr   error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{annotations: make(map[string]store.Annotation), votes: make(map[[2]string]int)}
}

func (m *memoryStore) InsertAnnotation(_ context.Context, a store.Annotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.annotations[a.ID] = a
	return nil
}

func (m *memoryStore) ListRecentAnnotations(_ context.Context, kind string, limit int) ([]store.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Annotation
	for _, a := range m.annotations {
		if kind == "" || a.Kind == kind {
			out = append(out, a)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) CastVote(_ context.Context, v store.Vote) (store.Tally, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.annotations[v.AnnotationID]
	if !ok {
		return store.Tally{}, store.ErrNotFound
	}
	m.votes[[2]string{v.AnnotationID, v.VoterID}] = v.Value
	var tally store.Tally
	for key, value := range m.votes {
		if key[0] != v.AnnotationID {
			continue
		}
		if value > 0 {
			tally.Up++
		} else {
			tally.Down++
		}
	}
	a.Upvotes, a.Downvotes = tally.Up, tally.Down
	m.annotations[a.ID] = a
	return tally, nil
}

func testGrid() *hexgridtest.Fake {
	grid := hexgridtest.New()
	grid.Chain(52.5, 13.4, "b5", "b6", "b7", "b8")
	grid.Chain(48.85, 2.35, "p5", "p6", "p7", "p8")
	return grid
}

func newScorer(s Store) *Scorer {
	sc := New(s, testGrid(), DefaultThreshold, func() time.Time {
		return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	})
	n := 0
	sc.newID = func() string {
		n++
		return "ann_" + string(rune('0'+n))
	}
	return sc
}

func TestCreateStoresAnnotation(t *testing.T) {
	s := newMemoryStore()
	sc := newScorer(s)
	a, err := sc.Create(context.Background(), "user-1", Draft{Cell: "b8", Kind: "safety", Title: " Dark street "})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID != "ann_1" || a.Title != "Dark street" || a.AuthorID != "user-1" {
		t.Fatalf("unexpected annotation %+v", a)
	}
	if _, ok := s.annotations["ann_1"]; !ok {
		t.Fatalf("expected annotation stored")
	}
}

func TestCreateValidation(t *testing.T) {
	sc := newScorer(newMemoryStore())
	cases := []struct {
		name  string
		draft Draft
		msg   string
	}{
		{"missing cell", Draft{Kind: "safety"}, "Valid cell required"},
		{"unknown cell", Draft{Cell: "zz", Kind: "safety"}, "Valid cell required"},
		{"missing kind", Draft{Cell: "b8"}, "kind required"},
		{"long title", Draft{Cell: "b8", Kind: "safety", Title: strings.Repeat("t", MaxTitle+1)}, "title too long"},
		{"long details", Draft{Cell: "b8", Kind: "safety", Details: strings.Repeat("d", MaxDetails+1)}, "details too long"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := sc.Create(context.Background(), "user-1", tc.draft)
			var appErr *apperr.Error
			if !errors.As(err, &appErr) || appErr.Kind != apperr.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			if appErr.Message != tc.msg {
				t.Fatalf("expected %q, got %q", tc.msg, appErr.Message)
			}
		})
	}
}

func TestCreateAcceptsMaxDetails(t *testing.T) {
	sc := newScorer(newMemoryStore())
	if _, err := sc.Create(context.Background(), "user-1", Draft{Cell: "b8", Kind: "note", Details: strings.Repeat("é", MaxDetails)}); err != nil {
		t.Fatalf("expected details at the limit to pass, got %v", err)
	}
}

func TestCreateUpstreamFailure(t *testing.T) {
	s := newMemoryStore()
	s.insertErr = errors.New("connection refused")
	if _, err := newScorer(s).Create(context.Background(), "user-1", Draft{Cell: "b8", Kind: "note"}); !apperr.Is(err, apperr.KindUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestVoteIdempotenceAndSwitch(t *testing.T) {
	s := newMemoryStore()
	sc := newScorer(s)
	ctx := context.Background()
	a, err := sc.Create(ctx, "author", Draft{Cell: "b8", Kind: "note"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := sc.Vote(ctx, "voter", a.ID, 1); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	tally, err := sc.Vote(ctx, "voter", a.ID, 1)
	if err != nil {
		t.Fatalf("repeat vote: %v", err)
	}
	if tally.Up != 1 || tally.Down != 0 {
		t.Fatalf("expected one upvote after repeat, got %+v", tally)
	}

	switched, err := sc.Vote(ctx, "voter", a.ID, -1)
	if err != nil {
		t.Fatalf("switch vote: %v", err)
	}
	if (tally.Up-tally.Down)-(switched.Up-switched.Down) != 2 {
		t.Fatalf("expected net to move by 2, got %+v -> %+v", tally, switched)
	}
}

func TestVoteValidationAndNotFound(t *testing.T) {
	sc := newScorer(newMemoryStore())
	for _, value := range []int{0, 2, -2} {
		if _, err := sc.Vote(context.Background(), "voter", "ann_x", value); !apperr.Is(err, apperr.KindValidation) {
			t.Fatalf("value %d: expected validation error, got %v", value, err)
		}
	}
	if _, err := sc.Vote(context.Background(), "voter", " ", 1); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for empty id, got %v", err)
	}
	if _, err := sc.Vote(context.Background(), "voter", "ann_missing", 1); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestVisibleRequiresThresholdAndVisibleAncestor(t *testing.T) {
	sc := newScorer(newMemoryStore())
	annotations := []store.Annotation{
		{ID: "shown", Cell: "b8", Upvotes: 2, Downvotes: 1},
		{ID: "unpopular", Cell: "b8", Upvotes: 1, Downvotes: 1},
		{ID: "suppressed-area", Cell: "p8", Upvotes: 5},
		{ID: "malformed", Cell: "??", Upvotes: 5},
	}
	visible := map[string]struct{}{"b7": {}}
	q := aggregate.Query{BBox: aggregate.BBox{MinLng: -10, MinLat: 35, MaxLng: 30, MaxLat: 60}, Zoom: 8}

	got := sc.Visible(annotations, visible, q)
	if len(got) != 1 || got[0].ID != "shown" {
		t.Fatalf("expected only the shown annotation, got %+v", got)
	}
	if got[0].Parent != "b7" || got[0].Center.Lat != 52.5 {
		t.Fatalf("expected placement at the ancestor, got %+v", got[0])
	}
}

func TestVisibleRespectsBBox(t *testing.T) {
	sc := newScorer(newMemoryStore())
	annotations := []store.Annotation{{ID: "berlin", Cell: "b8", Upvotes: 1}}
	visible := map[string]struct{}{"b6": {}}
	paris := aggregate.Query{BBox: aggregate.BBox{MinLng: 2, MinLat: 48, MaxLng: 3, MaxLat: 49}, Zoom: 6}
	if got := sc.Visible(annotations, visible, paris); len(got) != 0 {
		t.Fatalf("expected nothing outside the bbox, got %+v", got)
	}
}

func TestVisibleKeepsCoarseCellsAtHighZoom(t *testing.T) {
	sc := newScorer(newMemoryStore())
	annotations := []store.Annotation{{ID: "coarse", Cell: "b7", Upvotes: 1}}
	visible := map[string]struct{}{"b7": {}}
	q := aggregate.Query{BBox: aggregate.BBox{MinLng: -10, MinLat: 35, MaxLng: 30, MaxLat: 60}, Zoom: 14}
	got := sc.Visible(annotations, visible, q)
	if len(got) != 1 || got[0].Parent != "b7" {
		t.Fatalf("expected resolution-7 annotation placed at its own cell, got %+v", got)
	}
}
