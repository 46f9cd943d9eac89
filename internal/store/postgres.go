package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresStore struct {
	db    *sql.DB
	guard *guard
}

func NewPostgresStore(db *sql.DB, cfg GuardConfig) *PostgresStore {
	return &PostgresStore{db: db, guard: newGuard(cfg)}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.guard.do(ctx, "ping", func(ctx context.Context) error {
		return s.db.PingContext(ctx)
	})
}

func (s *PostgresStore) HasClusterSignalSince(ctx context.Context, fingerprint, h3r7 string, since time.Time) (bool, error) {
	var exists bool
	err := s.guard.do(ctx, "check cluster signal", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM signals
				WHERE fingerprint=$1 AND h3r7=$2 AND submitted_at >= $3
			)
		`, fingerprint, h3r7, since).Scan(&exists)
	})
	return exists, err
}

func (s *PostgresStore) HasSignalSince(ctx context.Context, fingerprint string, since time.Time) (bool, error) {
	var exists bool
	err := s.guard.do(ctx, "check daily signal", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM signals WHERE fingerprint=$1 AND submitted_at >= $2)
		`, fingerprint, since).Scan(&exists)
	})
	return exists, err
}

const insertSignal = `
	INSERT INTO signals (leaf_cell, bucket, fingerprint, h3r5, h3r6, h3r7, day_bucket, submitted_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

// InsertSignal fails with ErrClusterConflict or ErrDailyConflict when a
// concurrent submission from the same fingerprint landed first.
func (s *PostgresStore) InsertSignal(ctx context.Context, sig Signal) error {
	return s.guard.do(ctx, "insert signal", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, insertSignal,
			sig.LeafCell, sig.Bucket, sig.Fingerprint, sig.H3R5, sig.H3R6, sig.H3R7, sig.DayBucket(), sig.SubmittedAt)
		return err
	})
}

// InsertSignals writes a batch in one transaction.
func (s *PostgresStore) InsertSignals(ctx context.Context, signals []Signal) error {
	return s.guard.do(ctx, "insert signals", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin insert signals: %w", err)
		}
		for _, sig := range signals {
			if _, err := tx.ExecContext(ctx, insertSignal,
				sig.LeafCell, sig.Bucket, sig.Fingerprint, sig.H3R5, sig.H3R6, sig.H3R7, sig.DayBucket(), sig.SubmittedAt); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
}

func (s *PostgresStore) ListSignalBuckets(ctx context.Context, since time.Time) ([]CellBucket, error) {
	return s.listCellBuckets(ctx, "list signals", `
		SELECT leaf_cell, bucket FROM signals WHERE submitted_at >= $1
	`, since)
}

func (s *PostgresStore) ListMembershipBuckets(ctx context.Context) ([]CellBucket, error) {
	return s.listCellBuckets(ctx, "list memberships", `SELECT home_cell, bucket FROM memberships`)
}

func (s *PostgresStore) listCellBuckets(ctx context.Context, op, query string, args ...any) ([]CellBucket, error) {
	items := make([]CellBucket, 0)
	err := s.guard.do(ctx, op, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var item CellBucket
			if err := rows.Scan(&item.Cell, &item.Bucket); err != nil {
				return fmt.Errorf("scan cell bucket: %w", err)
			}
			items = append(items, item)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *PostgresStore) GetMembership(ctx context.Context, userID string) (Membership, error) {
	var m Membership
	err := s.guard.do(ctx, "get membership", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT user_id, home_cell, bucket, h3r5, h3r6, h3r7, updated_at, locked_until
			FROM memberships
			WHERE user_id=$1
		`, userID).Scan(&m.UserID, &m.HomeCell, &m.Bucket, &m.H3R5, &m.H3R6, &m.H3R7, &m.UpdatedAt, &m.LockedUntil)
	})
	if err != nil {
		return Membership{}, err
	}
	return m, nil
}

// UpsertMembership replaces the user's row in one statement. The existing
// row is only overwritten once its lock has expired at m.UpdatedAt; applied
// is false when a concurrent change still holds the lock.
func (s *PostgresStore) UpsertMembership(ctx context.Context, m Membership) (bool, error) {
	var affected int64
	err := s.guard.do(ctx, "upsert membership", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO memberships (user_id, home_cell, bucket, h3r5, h3r6, h3r7, updated_at, locked_until)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id) DO UPDATE SET
				home_cell=EXCLUDED.home_cell,
				bucket=EXCLUDED.bucket,
				h3r5=EXCLUDED.h3r5,
				h3r6=EXCLUDED.h3r6,
				h3r7=EXCLUDED.h3r7,
				updated_at=EXCLUDED.updated_at,
				locked_until=EXCLUDED.locked_until
			WHERE memberships.locked_until <= EXCLUDED.updated_at
		`, m.UserID, m.HomeCell, m.Bucket, m.H3R5, m.H3R6, m.H3R7, m.UpdatedAt, m.LockedUntil)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertAnnotation(ctx context.Context, a Annotation) error {
	return s.guard.do(ctx, "insert annotation", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO annotations (id, author_id, cell, kind, title, details, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, a.ID, a.AuthorID, a.Cell, a.Kind, a.Title, a.Details, a.CreatedAt)
		return err
	})
}

// ListRecentAnnotations returns the newest annotations first, optionally
// filtered by kind.
func (s *PostgresStore) ListRecentAnnotations(ctx context.Context, kind string, limit int) ([]Annotation, error) {
	items := make([]Annotation, 0)
	err := s.guard.do(ctx, "list annotations", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, author_id, cell, kind, title, details, upvotes, downvotes, created_at
			FROM annotations
			WHERE ($1 = '' OR kind = $1)
			ORDER BY created_at DESC
			LIMIT $2
		`, kind, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var a Annotation
			if err := rows.Scan(&a.ID, &a.AuthorID, &a.Cell, &a.Kind, &a.Title, &a.Details, &a.Upvotes, &a.Downvotes, &a.CreatedAt); err != nil {
				return fmt.Errorf("scan annotation: %w", err)
			}
			items = append(items, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// CastVote upserts the voter's vote and recomputes the annotation's tally in
// one transaction. Unknown annotations yield ErrNotFound.
func (s *PostgresStore) CastVote(ctx context.Context, v Vote) (Tally, error) {
	var tally Tally
	err := s.guard.do(ctx, "cast vote", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin vote: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO annotation_votes (annotation_id, voter_id, value)
			VALUES ($1, $2, $3)
			ON CONFLICT (annotation_id, voter_id) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()
		`, v.AnnotationID, v.VoterID, v.Value); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `
			UPDATE annotations SET
				upvotes=(SELECT COUNT(*) FROM annotation_votes WHERE annotation_id=$1 AND value=1),
				downvotes=(SELECT COUNT(*) FROM annotation_votes WHERE annotation_id=$1 AND value=-1)
			WHERE id=$1
			RETURNING upvotes, downvotes
		`, v.AnnotationID).Scan(&tally.Up, &tally.Down); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return Tally{}, err
	}
	return tally, nil
}

// LookupSession resolves a hashed session token that has not yet expired.
func (s *PostgresStore) LookupSession(ctx context.Context, tokenHash string) (Session, error) {
	var session Session
	err := s.guard.do(ctx, "lookup session", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT user_id, expires_at FROM sessions
			WHERE token_hash=$1 AND expires_at > NOW()
		`, tokenHash).Scan(&session.UserID, &session.ExpiresAt)
	})
	if err != nil {
		return Session{}, err
	}
	return session, nil
}
