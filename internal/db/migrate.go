package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// migrationLockID serializes migration runs between the api and worker.
const migrationLockID int64 = 0x61756469746c6f67

// RunMigrations applies every pending *.up.sql file in name order. Each file
// runs in its own transaction under an advisory lock.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrationsDir string, log *zap.Logger) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	upFiles, err := pendingCandidates(migrationsDir)
	if err != nil {
		return err
	}

	applied := 0
	for _, f := range upFiles {
		version := strings.TrimSuffix(f, ".up.sql")
		ok, err := applyOne(ctx, pool, filepath.Join(migrationsDir, f), version)
		if err != nil {
			return fmt.Errorf("migration %s: %w", version, err)
		}
		if ok {
			applied++
			log.Info("migration applied", zap.String("version", version))
		}
	}
	log.Debug("migrations checked", zap.Int("files", len(upFiles)), zap.Int("applied", applied))
	return nil
}

func pendingCandidates(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var upFiles []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			upFiles = append(upFiles, e.Name())
		}
	}
	sort.Strings(upFiles)
	return upFiles, nil
}

func applyOne(ctx context.Context, pool *pgxpool.Pool, path, version string) (bool, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
		return false, fmt.Errorf("acquire migration lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)", version).Scan(&exists); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	sql, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}
