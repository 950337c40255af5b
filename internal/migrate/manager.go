package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// Embedded holds the schema shipped with the binary: sql/migrations for the
// schema and sql/seeds for rows the service cannot start without.
//
//go:embed sql/migrations/*.sql sql/seeds/*.sql
var Embedded embed.FS

// Embedded directory names.
const (
	MigrationsDir = "sql/migrations"
	SeedsDir      = "sql/seeds"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"
)

// Manager executes SQL migrations and seed files read from a file system and
// records each applied file with its SHA-256 checksum.
type Manager struct {
	db              *sql.DB
	fsys            fs.FS
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// NewManager constructs a Manager reading migrationsDir and seedsDir from fsys.
// Pass os.DirFS for files on disk or Embedded with the embedded directories.
func NewManager(db *sql.DB, fsys fs.FS, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		fsys:            fsys,
		migrationsDir:   migrationsDir,
		seedsDir:        seedsDir,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ErrChecksumMismatch means a file that was already applied has since been
// edited. Applied files are immutable; ship a new migration instead.
var ErrChecksumMismatch = errors.New("migrate: applied file changed")

// Applied is a bookkeeping row. Drift is set by Status when the file is gone
// or no longer matches the recorded checksum.
type Applied struct {
	Name      string
	Checksum  string
	AppliedAt time.Time
	Drift     bool
}

// Up applies all pending migrations in name order. It refuses to run when an
// applied migration was modified.
func (m *Manager) Up(ctx context.Context) error {
	return m.apply(ctx, m.migrationsTable, m.migrationsDir, ".up.sql", "migration")
}

// Seed applies pending seed files, with the same checksum rule as Up.
func (m *Manager) Seed(ctx context.Context) error {
	return m.apply(ctx, m.seedsTable, m.seedsDir, ".sql", "seed")
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx, m.migrationsTable)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return errors.New("no migrations applied")
	}
	last := applied[len(applied)-1].Name
	downPath := path.Join(m.migrationsDir, strings.TrimSuffix(last, ".up.sql")+".down.sql")
	body, err := fs.ReadFile(m.fsys, downPath)
	if err != nil {
		return fmt.Errorf("missing down migration for %s", last)
	}

	err = m.inTx(ctx, string(body), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), last)
		return err
	})
	if err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	return nil
}

// Status lists applied migrations oldest first and flags drift against the
// files the manager was built with.
func (m *Manager) Status(ctx context.Context) ([]Applied, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx, m.migrationsTable)
	if err != nil {
		return nil, err
	}
	files, err := collectSQL(m.fsys, m.migrationsDir, ".up.sql")
	if err != nil {
		return nil, err
	}
	sums := make(map[string]string, len(files))
	for _, f := range files {
		sums[f.Base] = f.Checksum
	}
	for i, a := range applied {
		sum, ok := sums[a.Name]
		applied[i].Drift = !ok || (a.Checksum != "" && a.Checksum != sum)
	}
	return applied, nil
}

func (m *Manager) apply(ctx context.Context, table, dir, suffix, kind string) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx, table)
	if err != nil {
		return err
	}
	recorded := make(map[string]string, len(applied))
	for _, a := range applied {
		recorded[a.Name] = a.Checksum
	}
	files, err := collectSQL(m.fsys, dir, suffix)
	if err != nil {
		return err
	}
	for _, f := range files {
		if sum, ok := recorded[f.Base]; ok {
			// Rows written before checksums were tracked carry an empty one.
			if sum != "" && sum != f.Checksum {
				return fmt.Errorf("%w: %s %s", ErrChecksumMismatch, kind, f.Base)
			}
			continue
		}
		err := m.inTx(ctx, f.Body, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`insert into %s(name, checksum, applied_at) values ($1, $2, $3)`, table),
				f.Base, f.Checksum, time.Now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("apply %s %s: %w", kind, f.Base, err)
		}
	}
	return nil
}

// inTx runs every statement of body and then record in one transaction, so a
// file is either fully applied and recorded or not at all.
func (m *Manager) inTx(ctx context.Context, body string, record func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(body) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`
			create table if not exists %s (
				name text primary key,
				checksum text not null default '',
				applied_at timestamptz not null default now()
			)`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
		alter := fmt.Sprintf(`alter table %s add column if not exists checksum text not null default ''`, table)
		if _, err := m.db.ExecContext(ctx, alter); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) applied(ctx context.Context, table string) ([]Applied, error) {
	rows, err := m.db.QueryContext(ctx,
		fmt.Sprintf(`select name, checksum, applied_at from %s order by applied_at asc, name asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Name, &a.Checksum, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type sqlFile struct {
	Base     string
	Path     string
	Body     string
	Checksum string
}

func collectSQL(fsys fs.FS, dir, suffix string) ([]sqlFile, error) {
	if fsys == nil || dir == "" {
		return nil, nil
	}
	var files []sqlFile
	err := fs.WalkDir(fsys, dir, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
			return nil
		}
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(body)
		files = append(files, sqlFile{
			Base:     d.Name(),
			Path:     name,
			Body:     string(body),
			Checksum: hex.EncodeToString(sum[:]),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Base < files[j].Base
	})
	return files, nil
}

// splitStatements splits SQL on semicolons outside single-quoted strings and
// $$-quoted function bodies.
func splitStatements(sql string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
		inDollar bool
	)
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'' && !inDollar:
			inString = !inString
		case c == '$' && !inString && i+1 < len(sql) && sql[i+1] == '$':
			inDollar = !inDollar
			current.WriteByte(c)
			i++
			c = sql[i]
		case c == ';' && !inString && !inDollar:
			current.WriteByte(c)
			stmts = append(stmts, current.String())
			current.Reset()
			continue
		}
		current.WriteByte(c)
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
