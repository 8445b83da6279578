// cmd/migrate applies migrations/*.up.sql to the ledger database.
// It tracks progress in a golang-migrate compatible schema_migrations table
// (bigint version + dirty flag), so either tool can take over.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./cmd/migrate
//	MIGRATIONS_DIR=/srv/ledger/migrations go run ./cmd/migrate
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	if err := run(context.Background(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer) error {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}

	files, err := migrationFiles(dir)
	if err != nil {
		return err
	}

	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	fmt.Fprintln(out, "connected to database")

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := 0
	for _, f := range files {
		ver, err := versionFromFile(f)
		if err != nil {
			return fmt.Errorf("parse version from %s: %w", f, err)
		}

		var exists bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1 AND dirty = false)`,
			ver,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check %s: %w", f, err)
		}
		if exists {
			fmt.Fprintf(out, "  skip  %s (already applied)\n", f)
			continue
		}

		sql, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return fmt.Errorf("read %s: %w", f, err)
		}

		// Schema change and version bump commit together.
		err = pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(sql)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, dirty) VALUES ($1, false)
				 ON CONFLICT (version) DO UPDATE SET dirty = false`, ver)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply %s: %w", f, err)
		}

		fmt.Fprintf(out, "  apply %s\n", f)
		applied++
	}

	if applied == 0 {
		fmt.Fprintln(out, "nothing to migrate, already up to date")
	} else {
		fmt.Fprintf(out, "applied %d migration(s)\n", applied)
	}
	return nil
}

// migrationFiles lists the up migrations in dir in version order.
func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	slices.SortFunc(files, func(a, b string) int {
		va, _ := versionFromFile(a)
		vb, _ := versionFromFile(b)
		if va != vb {
			return int(va - vb)
		}
		return strings.Compare(a, b)
	})
	return files, nil
}

// versionFromFile extracts the leading integer from a migration filename.
// "001_loan_ledger.up.sql" → 1
func versionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("unexpected filename format %q", filename)
	}
	return strconv.ParseInt(prefix, 10, 64)
}
