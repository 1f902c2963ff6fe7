package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies the embedded migrations in file order. Statements are
// idempotent so rerunning is safe.
func Migrate(dsn string) ([]string, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("migration db open: %w", err)
	}
	defer db.Close()
	return applyMigrations(db, migrationFS)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func applyMigrations(db execer, fsys fs.FS) ([]string, error) {
	names, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	var applied []string
	for _, name := range names {
		b, err := fs.ReadFile(fsys, name)
		if err != nil {
			return applied, err
		}
		if _, err := db.Exec(string(b)); err != nil {
			return applied, fmt.Errorf("migration %s: %w", name, err)
		}
		applied = append(applied, name)
	}
	return applied, nil
}
