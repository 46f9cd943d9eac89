package store

import "time"

// Signal is an anonymous presence report. Immutable once written.
type Signal struct {
	ID          int64
	LeafCell    string
	Bucket      int
	Fingerprint string
	H3R5        string
	H3R6        string
	H3R7        string
	SubmittedAt time.Time
}

// DayBucket is the UTC calendar day the uniqueness constraints key on.
func (s Signal) DayBucket() string {
	return s.SubmittedAt.UTC().Format("2006-01-02")
}

// Membership is a user's single declared zone.
type Membership struct {
	UserID      string
	HomeCell    string
	Bucket      int
	H3R5        string
	H3R6        string
	H3R7        string
	UpdatedAt   time.Time
	LockedUntil time.Time
}

type Annotation struct {
	ID        string
	AuthorID  string
	Cell      string
	Kind      string
	Title     string
	Details   string
	Upvotes   int
	Downvotes int
	CreatedAt time.Time
}

func (a Annotation) Net() int {
	return a.Upvotes - a.Downvotes
}

type Vote struct {
	AnnotationID string
	VoterID      string
	Value        int
}

type Tally struct {
	Up   int
	Down int
}

// CellBucket is the projection aggregation reads.
type CellBucket struct {
	Cell   string
	Bucket int
}

type Session struct {
	UserID    string
	ExpiresAt time.Time
}
