package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	dbschema "hexpulse/api/db"
	"hexpulse/api/internal/logging"
)

// migrationLockKey serialises migrators across replicas starting together.
const migrationLockKey int64 = 0x6865787075

// Migration is one forward schema step, versioned by its file name.
type Migration struct {
	Version string
	SQL     string
}

// MigrationSource returns the schema to apply: the embedded files, or dir
// when it is set.
func MigrationSource(dir string) (fs.FS, error) {
	if strings.TrimSpace(dir) != "" {
		return os.DirFS(dir), nil
	}
	return fs.Sub(dbschema.Migrations, "migrations")
}

// LoadMigrations reads every *.up.sql at the root of fsys in lexical order.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var out []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		contents, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		if strings.TrimSpace(string(contents)) == "" {
			return nil, fmt.Errorf("migration %s is empty", name)
		}
		out = append(out, Migration{Version: path.Base(name), SQL: string(contents)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// ApplyMigrations applies the pending migrations from fsys. Each one runs in
// its own transaction bounded by timeout, holding an advisory lock so the
// applied check and the apply cannot interleave with another replica.
func ApplyMigrations(ctx context.Context, db *sql.DB, fsys fs.FS, timeout time.Duration) error {
	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return err
	}
	if len(migrations) == 0 {
		return fmt.Errorf("no migrations found")
	}
	if timeout <= 0 {
		timeout = DefaultGuardConfig().Timeout
	}
	if err := ensureMigrationsTable(ctx, db, timeout); err != nil {
		return err
	}

	applied := 0
	for _, m := range migrations {
		ran, err := applyMigration(ctx, db, m, timeout)
		if err != nil {
			return err
		}
		if ran {
			applied++
			logging.Info().Str("version", m.Version).Msg("applied migration")
		}
	}
	logging.Info().Int("applied", applied).Int("known", len(migrations)).Msg("schema up to date")
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin migration %s: %w", m.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("lock migration %s: %w", m.Version, err)
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, m.Version).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration %s: %w", m.Version, err)
	}
	if exists {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return false, fmt.Errorf("execute migration %s: %w", m.Version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, m.Version); err != nil {
		return false, fmt.Errorf("record migration %s: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", m.Version, err)
	}
	return true, nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}
