package docstore

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Several API processes may start against the same database; the advisory
// lock makes them apply migrations one at a time.
const migrationLockKey int64 = 0x706f72756b61

// Migrator applies *.up.sql scripts from a file system to Postgres. Applied
// versions are recorded in schema_migrations.
type Migrator struct {
	db   *sql.DB
	fsys fs.FS
}

func NewMigrator(db *sql.DB, fsys fs.FS) *Migrator {
	return &Migrator{db: db, fsys: fsys}
}

// ApplyMigrations applies the pending scripts in migrationsDir.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	applied, err := NewMigrator(db, os.DirFS(migrationsDir)).Up(ctx)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"dir": migrationsDir, "applied": len(applied)}).Info("docstore: schema up to date")
	return nil
}

// Up applies every unrecorded script in lexical order, one transaction each,
// and returns the versions it applied.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	versions, err := migrationFiles(m.fsys)
	if err != nil {
		return nil, err
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return nil, fmt.Errorf("lock migrations: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			logrus.WithError(err).Warn("docstore: unlock migrations")
		}
	}()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	var applied []string
	for _, version := range versions {
		var done bool
		if err := conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&done); err != nil {
			return applied, fmt.Errorf("check migration %s: %w", version, err)
		}
		if done {
			continue
		}
		if err := m.apply(ctx, conn, version); err != nil {
			return applied, err
		}
		applied = append(applied, version)
		logrus.WithField("version", version).Info("docstore: applied migration")
	}
	return applied, nil
}

func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, version string) error {
	script, err := fs.ReadFile(m.fsys, version)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", version, err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

// migrationFiles lists the up scripts at the root of fsys, sorted.
func migrationFiles(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var versions []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		versions = append(versions, path.Clean(entry.Name()))
	}
	sort.Strings(versions)
	return versions, nil
}
