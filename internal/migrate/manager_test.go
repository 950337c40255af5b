package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSplitStatements(t *testing.T) {
	sql := `create table a (v text default 'x;y');
create function f() returns trigger as $$
begin
	raise exception 'no; really';
end;
$$ language plpgsql;
insert into a values ('it''s');
`
	stmts := splitStatements(sql)
	var nonEmpty []string
	for _, s := range stmts {
		if strings.TrimSpace(s) != "" {
			nonEmpty = append(nonEmpty, strings.TrimSpace(s))
		}
	}
	if len(nonEmpty) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(nonEmpty), nonEmpty)
	}
	if !strings.HasSuffix(nonEmpty[1], "language plpgsql;") || !strings.Contains(nonEmpty[1], "end;") {
		t.Fatalf("function body was split: %q", nonEmpty[1])
	}
	if nonEmpty[2] != "insert into a values ('it''s');" {
		t.Fatalf("unexpected statement %q", nonEmpty[2])
	}
}

func TestEmbeddedSchema(t *testing.T) {
	ups, err := collectSQL(Embedded, MigrationsDir, ".up.sql")
	if err != nil {
		t.Fatalf("collectSQL: %v", err)
	}
	if len(ups) < 2 || ups[0].Base != "0001_principals.up.sql" {
		t.Fatalf("unexpected migrations %+v", ups)
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up.Path, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(Embedded, down); err != nil {
			t.Fatalf("missing down migration for %s", up.Base)
		}
	}

	raw, err := fs.ReadFile(Embedded, MigrationsDir+"/0002_audit_chain.up.sql")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	body := string(raw)
	for _, want := range []string{"prev_hash text not null unique", "audit_chain_head", strings.Repeat("0", 64)} {
		if !strings.Contains(body, want) {
			t.Fatalf("audit migration missing %q", want)
		}
	}

	seeds, err := collectSQL(Embedded, SeedsDir, ".sql")
	if err != nil || len(seeds) == 0 {
		t.Fatalf("expected seeds, got %v %v", seeds, err)
	}
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func expectTables(mock sqlmock.Sqlmock) {
	for _, table := range []string{"schema_migrations", "schema_seeds"} {
		mock.ExpectExec("create table if not exists " + table).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("alter table " + table + " add column if not exists checksum").WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

func checksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

func appliedRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"name", "checksum", "applied_at"})
}

func TestUpAppliesPendingMigrations(t *testing.T) {
	db, mock := newMock(t)

	const first = "create table a (id int);"
	const second = "create table b (id int);\ncreate index b_idx on b(id);"
	fsys := fstest.MapFS{
		"m/0001_a.up.sql":   {Data: []byte(first)},
		"m/0001_a.down.sql": {Data: []byte("drop table a;")},
		"m/0002_b.up.sql":   {Data: []byte(second)},
	}

	expectTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(appliedRows().AddRow("0001_a.up.sql", checksum(first), time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index b_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_b.up.sql", checksum(second), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mgr := NewManager(db, fsys, "m", "")
	if err := mgr.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpRollsBackFailedMigration(t *testing.T) {
	db, mock := newMock(t)

	fsys := fstest.MapFS{"m/0001_a.up.sql": {Data: []byte("create table a (id int);\ncreate table broken (;")}}

	expectTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").WillReturnRows(appliedRows())
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table broken").WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	err := NewManager(db, fsys, "m", "").Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "0001_a.up.sql") {
		t.Fatalf("expected apply error naming the file, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpRejectsEditedMigration(t *testing.T) {
	db, mock := newMock(t)

	fsys := fstest.MapFS{"m/0001_a.up.sql": {Data: []byte("create table a (id bigint);")}}

	expectTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(appliedRows().AddRow("0001_a.up.sql", checksum("create table a (id int);"), time.Now()))

	err := NewManager(db, fsys, "m", "").Up(context.Background())
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestUpAcceptsLegacyRowsWithoutChecksum(t *testing.T) {
	db, mock := newMock(t)

	fsys := fstest.MapFS{"m/0001_a.up.sql": {Data: []byte("create table a (id int);")}}

	expectTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(appliedRows().AddRow("0001_a.up.sql", "", time.Now()))

	if err := NewManager(db, fsys, "m", "").Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSeedAppliesOnce(t *testing.T) {
	db, mock := newMock(t)

	const seed = "insert into roles(id, name) values ('admin', 'Administrator');"
	fsys := fstest.MapFS{"s/0001_roles.sql": {Data: []byte(seed)}}

	expectTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_seeds").WillReturnRows(appliedRows())
	mock.ExpectBegin()
	mock.ExpectExec("insert into roles").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into schema_seeds").
		WithArgs("0001_roles.sql", checksum(seed), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := NewManager(db, fsys, "", "s").Seed(context.Background()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock := newMock(t)

	fsys := fstest.MapFS{
		"m/0001_a.up.sql":   {Data: []byte("create table a (id int);")},
		"m/0002_b.up.sql":   {Data: []byte("create table b (id int);")},
		"m/0002_b.down.sql": {Data: []byte("drop table b;")},
	}
	now := time.Now()

	expectTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(appliedRows().
			AddRow("0001_a.up.sql", "", now.Add(-time.Minute)).
			AddRow("0002_b.up.sql", "", now))
	mock.ExpectBegin()
	mock.ExpectExec("drop table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations where name").
		WithArgs("0002_b.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := NewManager(db, fsys, "m", "").Down(context.Background()); err != nil {
		t.Fatalf("Down: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRequiresDownFile(t *testing.T) {
	db, mock := newMock(t)

	fsys := fstest.MapFS{"m/0002_b.up.sql": {Data: []byte("create table b (id int);")}}

	expectTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(appliedRows().AddRow("0002_b.up.sql", "", time.Now()))

	err := NewManager(db, fsys, "m", "").Down(context.Background())
	if err == nil || !strings.Contains(err.Error(), "missing down migration") {
		t.Fatalf("expected missing down migration error, got %v", err)
	}
}

func TestStatusFlagsDrift(t *testing.T) {
	db, mock := newMock(t)

	const body = "create table a (id int);"
	fsys := fstest.MapFS{
		"m/0001_a.up.sql": {Data: []byte(body)},
		"m/0002_b.up.sql": {Data: []byte("create table b (id bigint);")},
	}
	now := time.Now()

	expectTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(appliedRows().
			AddRow("0001_a.up.sql", checksum(body), now).
			AddRow("0002_b.up.sql", checksum("create table b (id int);"), now).
			AddRow("0003_gone.up.sql", "", now))

	applied, err := NewManager(db, fsys, "m", "").Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(applied) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(applied))
	}
	if applied[0].Drift || !applied[1].Drift || !applied[2].Drift {
		t.Fatalf("unexpected drift flags %+v", applied)
	}
}
