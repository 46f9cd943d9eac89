package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrClusterConflict means the fingerprint already has a signal in the
	// same resolution-7 cell on the same day.
	ErrClusterConflict = errors.New("signal conflicts with cluster constraint")
	// ErrDailyConflict means the fingerprint already has a signal on the
	// same day.
	ErrDailyConflict = errors.New("signal conflicts with daily constraint")
	ErrUnavailable   = errors.New("store unavailable")
)

const (
	constraintCluster = "signals_fingerprint_cluster_day_key"
	constraintDaily   = "signals_fingerprint_day_key"

	sqlStateUniqueViolation     = "23505"
	sqlStateForeignKeyViolation = "23503"
)

// UpstreamError is a failed or timed out store call. Op names the call, the
// wrapped error is for logs only.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUnavailable, e.Err}
}

// expected reports errors that are answers, not failures of the store.
func expected(err error) bool {
	return err == nil ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrClusterConflict) ||
		errors.Is(err, ErrDailyConflict)
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateUniqueViolation:
			switch pgErr.ConstraintName {
			case constraintCluster:
				return ErrClusterConflict
			case constraintDaily:
				return ErrDailyConflict
			}
		case sqlStateForeignKeyViolation:
			return ErrNotFound
		}
	}
	return err
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
