package state

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/mcpfleet/mcpfleet/pkg/logger"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// runMigrations applies all pending database migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	// The embedded filesystem has files under "migrations/", so we need
	// to strip that prefix to get a flat filesystem of .sql files.
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	_, err = provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// prepareLegacyAudit handles databases written before schema versioning was
// introduced. If an audit_log table exists without a goose version table it
// is parked under a temporary name so the initial migration can create the
// current shape; restoreLegacyAudit copies the parked rows back afterwards.
func prepareLegacyAudit(ctx context.Context, db *sql.DB) error {
	var hasAudit, hasVersions bool
	if err := tableExists(ctx, db, "audit_log", &hasAudit); err != nil {
		return err
	}
	if err := tableExists(ctx, db, "goose_db_version", &hasVersions); err != nil {
		return err
	}
	if !hasAudit || hasVersions {
		return nil
	}

	logger.Warnf("found pre-versioning audit table, rebuilding with current schema")
	if _, err := db.ExecContext(ctx, `ALTER TABLE audit_log RENAME TO audit_log_legacy`); err != nil {
		return fmt.Errorf("parking legacy audit table: %w", err)
	}
	return nil
}

// restoreLegacyAudit copies rows from a parked legacy audit table into the
// migrated one. Historical schemas used event_type/details columns; those map
// onto action/metadata with empty-string fallbacks for columns the old shape
// never had.
func restoreLegacyAudit(ctx context.Context, db *sql.DB) error {
	var hasLegacy bool
	if err := tableExists(ctx, db, "audit_log_legacy", &hasLegacy); err != nil {
		return err
	}
	if !hasLegacy {
		return nil
	}

	cols, err := tableColumns(ctx, db, "audit_log_legacy")
	if err != nil {
		return err
	}

	pick := func(candidates ...string) string {
		for _, c := range candidates {
			if cols[c] {
				return c
			}
		}
		return "''"
	}

	copySQL := fmt.Sprintf(`
		INSERT INTO audit_log (category, action, actor, target, metadata, created_at)
		SELECT %s, %s, %s, %s, %s, %s FROM audit_log_legacy`,
		pick("category", "event_type"),
		pick("action", "event_type"),
		pick("actor", "user_email"),
		pick("target"),
		pick("metadata", "details"),
		pick("created_at", "timestamp"),
	)
	if _, err := db.ExecContext(ctx, copySQL); err != nil {
		return fmt.Errorf("restoring legacy audit rows: %w", err)
	}
	if _, err := db.ExecContext(ctx, `DROP TABLE audit_log_legacy`); err != nil {
		return fmt.Errorf("dropping legacy audit table: %w", err)
	}
	return nil
}

func tableExists(ctx context.Context, db *sql.DB, name string, out *bool) error {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("checking for table %s: %w", name, err)
	}
	*out = n > 0
	return nil
}

func tableColumns(ctx context.Context, db *sql.DB, name string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, name))
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			colName   string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scanning column info: %w", err)
		}
		cols[colName] = true
	}
	return cols, rows.Err()
}
