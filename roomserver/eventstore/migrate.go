package eventstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// applyMigrations brings the schema up to date. Postgres goes through
// golang-migrate proper, which tracks the applied version in a
// schema_migrations table and supports down-migrations for operator
// rollback. modernc.org/sqlite has no CGO-free golang-migrate database
// driver in this build's dependency set, so the embedded *.up.sql files are
// applied directly in lexical order instead, guarded by IF NOT EXISTS; this
// is forward-only, matching the "schema migrations are forward-only"
// contract for that backend.
func applyMigrations(ctx context.Context, db *sql.DB, driverName string) error {
	switch driverName {
	case "postgres":
		return applyMigrationsPostgres(db)
	default:
		return applyMigrationsDirect(ctx, db)
	}
}

func applyMigrationsPostgres(db *sql.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("eventstore: opening embedded migrations: %w", err)
	}
	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("eventstore: postgres migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("eventstore: constructing migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("eventstore: applying migrations: %w", err)
	}
	return nil
}

func applyMigrationsDirect(ctx context.Context, db *sql.DB) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("eventstore: listing embedded migrations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		stmt, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("eventstore: reading migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(stmt)); err != nil {
			return fmt.Errorf("eventstore: applying migration %s: %w", name, err)
		}
	}
	return nil
}
