package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockID is the advisory lock key held while migrating, so engines
// starting together do not apply the same file twice.
const migrationLockID = 0x6d656d65 // "meme"

// Migrator runs SQL migration files in order. Files follow the
// golang-migrate naming scheme: {version}_{name}.up.sql / .down.sql.
type Migrator struct {
	db  *sql.DB
	dir string
	log zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, dir: migrationsDir, log: logger}
}

// Migration is one migration file and whether it has been applied.
type Migration struct {
	Version  string
	Filename string
	Applied  bool
}

// Status lists every up-migration on disk, plus applied versions whose file
// is gone, in version order.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := ensureMigrationTable(ctx, m.db); err != nil {
		return nil, err
	}
	applied, err := appliedVersions(ctx, m.db)
	if err != nil {
		return nil, err
	}
	files, err := m.files(".up.sql")
	if err != nil {
		return nil, err
	}

	out := make([]Migration, 0, len(files))
	for _, f := range files {
		v := versionOf(f)
		_, ok := applied[v]
		out = append(out, Migration{Version: v, Filename: f, Applied: ok})
		delete(applied, v)
	}
	for v, f := range applied {
		out = append(out, Migration{Version: v, Filename: f, Applied: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Up applies all pending up-migrations in order, each in its own
// transaction, under the migration advisory lock.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return fmt.Errorf("get applied versions: %w", err)
		}
		files, err := m.files(".up.sql")
		if err != nil {
			return fmt.Errorf("list migrations: %w", err)
		}

		n := 0
		for _, f := range files {
			version := versionOf(f)
			if _, ok := applied[version]; ok {
				continue
			}
			if err := m.exec(ctx, conn, f,
				`INSERT INTO memeperp_schema_migrations (version, filename) VALUES ($1, $2)`, version, f); err != nil {
				return err
			}
			m.log.Info().Str("file", f).Msg("applied migration")
			n++
		}
		if n == 0 {
			m.log.Debug().Msg("schema up to date")
		}
		return nil
	})
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version, filename string
		err := conn.QueryRowContext(ctx,
			`SELECT version, filename FROM memeperp_schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &filename)
		if err == sql.ErrNoRows {
			m.log.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("get latest migration: %w", err)
		}

		down := strings.Replace(filename, ".up.sql", ".down.sql", 1)
		if err := m.exec(ctx, conn, down,
			`DELETE FROM memeperp_schema_migrations WHERE version = $1`, version); err != nil {
			return err
		}
		m.log.Info().Str("file", down).Msg("rolled back migration")
		return nil
	})
}

// locked runs fn on one connection holding the session advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID)

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

// exec runs one migration file and its bookkeeping statement atomically.
func (m *Migrator) exec(ctx context.Context, conn *sql.Conn, file, record string, args ...interface{}) error {
	content, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		tx.Rollback()
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func ensureMigrationTable(ctx context.Context, db execQuerier) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS memeperp_schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// appliedVersions maps applied version to filename.
func appliedVersions(ctx context.Context, db execQuerier) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, filename FROM memeperp_schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var v, f string
		if err := rows.Scan(&v, &f); err != nil {
			return nil, err
		}
		applied[v] = f
	}
	return applied, rows.Err()
}

func (m *Migrator) files(suffix string) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// versionOf returns the numeric prefix of a migration filename:
// "000001_memeperp.up.sql" gives "000001".
func versionOf(filename string) string {
	if i := strings.IndexByte(filename, '_'); i > 0 {
		return filename[:i]
	}
	return filename
}
