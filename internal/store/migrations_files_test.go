package store

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"
)

func embeddedMigrations(t *testing.T) fs.FS {
	t.Helper()
	fsys, err := MigrationSource("")
	if err != nil {
		t.Fatalf("embedded migrations: %v", err)
	}
	return fsys
}

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations(t), ".")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestSignalMigrationDeclaresUniquenessConstraints(t *testing.T) {
	contents, err := fs.ReadFile(embeddedMigrations(t), "0001_signals.up.sql")
	if err != nil {
		t.Fatalf("read signals migration: %v", err)
	}
	sql := string(contents)
	for _, name := range []string{constraintCluster, constraintDaily} {
		if !strings.Contains(sql, name) {
			t.Fatalf("expected constraint %s in signals migration", name)
		}
	}
}

func TestLoadMigrationsOrdersUpFilesOnly(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.up.sql":      {Data: []byte("CREATE TABLE b ();")},
		"0001_a.up.sql":      {Data: []byte("CREATE TABLE a ();")},
		"0001_a.down.sql":    {Data: []byte("DROP TABLE a;")},
		"README.md":          {Data: []byte("notes")},
		"nested/0003.up.sql": {Data: []byte("CREATE TABLE c ();")},
	}
	migrations, err := LoadMigrations(fsys)
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	if len(migrations) != 2 || migrations[0].Version != "0001_a.up.sql" || migrations[1].Version != "0002_b.up.sql" {
		t.Fatalf("unexpected migrations %+v", migrations)
	}
	if migrations[0].SQL != "CREATE TABLE a ();" {
		t.Fatalf("unexpected sql %q", migrations[0].SQL)
	}
}

func TestLoadMigrationsRejectsEmptyFiles(t *testing.T) {
	fsys := fstest.MapFS{"0001_a.up.sql": {Data: []byte("  \n")}}
	if _, err := LoadMigrations(fsys); err == nil {
		t.Fatal("expected empty migration to fail")
	}
}

func TestMigrationSourcePrefersDirectoryOverride(t *testing.T) {
	fsys, err := MigrationSource("../../db/migrations")
	if err != nil {
		t.Fatalf("MigrationSource: %v", err)
	}
	fromDisk, err := LoadMigrations(fsys)
	if err != nil {
		t.Fatalf("LoadMigrations from disk: %v", err)
	}
	embedded, err := LoadMigrations(embeddedMigrations(t))
	if err != nil {
		t.Fatalf("LoadMigrations embedded: %v", err)
	}
	if len(fromDisk) != len(embedded) || fromDisk[0].Version != embedded[0].Version {
		t.Fatalf("expected override and embedded schema to agree, got %d and %d", len(fromDisk), len(embedded))
	}
}
