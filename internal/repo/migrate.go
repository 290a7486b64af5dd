package repo

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ApplyMigrations runs the embedded schema files against the pool in
// lexicographical order. The statements are idempotent (IF NOT EXISTS), so
// re-running the full set at every boot is safe.
func ApplyMigrations(ctx context.Context, pool *pgxpool.Pool, filesystem fs.FS) error {
	entries, err := fs.ReadDir(filesystem, ".")
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		sqlBytes, err := fs.ReadFile(filesystem, name)
		if err != nil {
			return fmt.Errorf("read schema file %s: %w", name, err)
		}
		if len(sqlBytes) == 0 {
			continue
		}

		// Each file runs in its own transaction so a failure leaves the
		// earlier files applied.
		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			_, execErr := tx.Exec(ctx, string(sqlBytes))
			return execErr
		})
		if err != nil {
			return fmt.Errorf("apply schema file %s: %w", name, err)
		}
	}

	return nil
}
