// Package sqlite registers the modernc.org/sqlite engine for sqlite:/// URLs.
//
// sqlite:///relative.db and sqlite:////abs/path.db follow the usual
// three-slash convention; sqlite:///:memory: opens a private in-memory
// database limited to one connection.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"batchingest/internal/database"
)

const scheme = "sqlite"

func init() {
	database.RegisterEngine(scheme, New)
}

// DSN renders the driver DSN for a database path with WAL, a busy timeout and
// enforced foreign keys.
func DSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?_pragma=foreign_keys(ON)"
	}
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
}

// PathFromURL extracts the database path from a sqlite:/// URL.
func PathFromURL(raw string) (string, error) {
	const prefix = scheme + ":///"
	if !strings.HasPrefix(strings.ToLower(raw), prefix) {
		return "", fmt.Errorf("sqlite url must start with %s, got %q", prefix, raw)
	}
	path := raw[len(prefix):]
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "", errors.New("sqlite url has no database path")
	}
	return path, nil
}

// New opens the database named by cfg.URL, creating its directory if needed.
func New(ctx context.Context, cfg database.EngineConfig) (database.Engine, error) {
	path, err := PathFromURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	} else {
		cfg.MaxConns, cfg.MaxIdle = 1, 1
	}

	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return database.NewSQLEngine(db, Dialect{}, cfg), nil
}

// Dialect is the SQLite dialect.
type Dialect struct{}

func (Dialect) Name() string              { return scheme }
func (Dialect) Placeholder(int) string    { return "?" }
func (Dialect) Quote(ident string) string { return database.DoubleQuote(ident) }
func (Dialect) MaxParams() int            { return 32766 }
func (Dialect) MaxRows() int              { return 0 }
func (Dialect) NullsDistinct() bool       { return true }

func (Dialect) DropTable(table string) string {
	return "DROP TABLE IF EXISTS " + database.DoubleQuote(table)
}

func (Dialect) IdentityColumn(n string) string {
	return database.DoubleQuote(n) + " INTEGER PRIMARY KEY AUTOINCREMENT"
}

// ColumnType maps kinds onto SQLite affinities. Lengths are not enforced by
// SQLite; the declared VARCHAR(n) only documents intent.
func (Dialect) ColumnType(kind database.ColumnKind, size int) string {
	switch kind {
	case database.KindInt:
		return "INTEGER"
	case database.KindFloat:
		return "REAL"
	case database.KindBool:
		return "BOOLEAN"
	case database.KindTimestamp:
		return "TIMESTAMP"
	default:
		if size > 0 {
			return fmt.Sprintf("VARCHAR(%d)", size)
		}
		return "TEXT"
	}
}

func (Dialect) CreateTable(table string, defs []string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", database.DoubleQuote(table), strings.Join(defs, ",\n  "))
}

// Classify uses extended result codes, falling back to the message text.
func (Dialect) Classify(err error) database.ConstraintKind {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return database.ConstraintUnique
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return database.ConstraintForeignKey
		case sqlite3.SQLITE_CONSTRAINT_CHECK:
			return database.ConstraintCheck
		case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
			return database.ConstraintNotNull
		}
	}
	if err == nil {
		return database.ConstraintNone
	}
	return database.ClassifyMessage(err.Error())
}

var _ database.Dialect = Dialect{}
