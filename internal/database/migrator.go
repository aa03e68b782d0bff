// Package database applies the SQL schema of the postgres storage driver.
package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
)

// advisoryLockKey serializes migrations across server instances sharing a database.
const advisoryLockKey = 0x78_6f_61_72

const createVersionsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		checksum   TEXT NOT NULL DEFAULT '',
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// Migration is one forward migration file.
type Migration struct {
	Version  string
	SQL      string
	Checksum string
}

// Migrator applies *.up.sql files in lexical order, each in its own
// transaction, while holding a session advisory lock. Applied versions and
// their checksums are recorded in schema_migrations.
type Migrator struct {
	db  *sql.DB
	log *slog.Logger
}

func NewMigrator(db *sql.DB, log *slog.Logger) *Migrator {
	if log == nil {
		log = slog.Default()
	}
	return &Migrator{db: db, log: log.With(slog.String("component", "migrator"))}
}

// ApplyDir applies the migrations found in dir on disk.
func (m *Migrator) ApplyDir(ctx context.Context, dir string) error {
	return m.Apply(ctx, os.DirFS(dir), ".")
}

// Apply applies the pending migrations under root in fsys and returns once the
// schema is current.
func (m *Migrator) Apply(ctx context.Context, fsys fs.FS, root string) error {
	migrations, err := LoadMigrations(fsys, root)
	if err != nil {
		return err
	}
	if len(migrations) == 0 {
		m.log.Info("no migrations found", slog.String("root", root))
		return nil
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, advisoryLockKey); err != nil {
			m.log.Warn("failed to release migration lock", slog.Any("error", err))
		}
	}()

	if _, err := conn.ExecContext(ctx, createVersionsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}

	pending := 0
	for _, mig := range migrations {
		if checksum, done := applied[mig.Version]; done {
			if checksum != "" && checksum != mig.Checksum {
				m.log.Warn("applied migration was modified", slog.String("version", mig.Version))
			}
			continue
		}
		if err := m.applyOne(ctx, conn, mig); err != nil {
			return err
		}
		pending++
	}

	m.log.Info("schema is current", slog.Int("applied", pending), slog.Int("total", len(migrations)))
	return nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("select applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = checksum
	}

	return applied, rows.Err()
}

func (m *Migrator) applyOne(ctx context.Context, conn *sql.Conn, mig Migration) (err error) {
	log := m.log.With(slog.String("version", mig.Version))

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", mig.Version, err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Error("rollback failed", slog.Any("error", rbErr))
		}
	}()

	if mig.SQL != "" {
		if _, err = tx.ExecContext(ctx, mig.SQL); err != nil {
			return fmt.Errorf("execute migration %s: %w", mig.Version, err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2)`,
		mig.Version, mig.Checksum,
	); err != nil {
		return fmt.Errorf("record migration %s: %w", mig.Version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", mig.Version, err)
	}

	log.Info("migration applied")
	return nil
}

// LoadMigrations reads every *.up.sql file directly under root, in lexical order.
func LoadMigrations(fsys fs.FS, root string) ([]Migration, error) {
	names, err := ListMigrations(fsys, root)
	if err != nil {
		return nil, err
	}

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, path.Join(root, name))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(data)
		out = append(out, Migration{
			Version:  name,
			SQL:      strings.TrimSpace(string(data)),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}
	return out, nil
}

// ListMigrations returns the names of the *.up.sql files under root in lexical order.
func ListMigrations(fsys fs.FS, root string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %q: %w", root, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	return names, nil
}
