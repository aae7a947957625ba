// Package postgres registers the pgx engine for postgres:// and
// postgresql:// URLs.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"batchingest/internal/database"
)

func init() {
	database.RegisterEngine("postgres", New)
	database.RegisterEngine("postgresql", New)
}

// Engine wraps a pgxpool.Pool.
type Engine struct {
	pool *pgxpool.Pool
}

// New builds a pgx pool sized from cfg and pings it.
func New(ctx context.Context, cfg database.EngineConfig) (database.Engine, error) {
	pc, err := pgxpool.ParseConfig(normalizeURL(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.Recycle > 0 {
		pc.MaxConnLifetime = cfg.Recycle
		pc.MaxConnIdleTime = cfg.Recycle
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Engine{pool: pool}, nil
}

// normalizeURL lets pgx parse postgresql+driver:// style schemes.
func normalizeURL(u string) string {
	if i := strings.Index(u, "://"); i > 0 {
		return "postgres" + u[i:]
	}
	return u
}

func (e *Engine) Dialect() database.Dialect { return Dialect{} }

func (e *Engine) Begin(ctx context.Context) (database.Tx, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

func (e *Engine) Ping(ctx context.Context) error { return e.pool.Ping(ctx) }

func (e *Engine) Close() error {
	e.pool.Close()
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) Query(ctx context.Context, sql string, args ...any) (database.Rows, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t *pgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// Dialect is the PostgreSQL dialect.
type Dialect struct{}

func (Dialect) Name() string              { return "postgres" }
func (Dialect) Placeholder(n int) string  { return database.DollarPlaceholder(n) }
func (Dialect) Quote(ident string) string { return database.DoubleQuote(ident) }
func (Dialect) MaxParams() int            { return 65535 }
func (Dialect) MaxRows() int              { return 0 }
func (Dialect) NullsDistinct() bool       { return true }

func (Dialect) DropTable(table string) string {
	return "DROP TABLE IF EXISTS " + database.DoubleQuote(table) + " CASCADE"
}

func (Dialect) IdentityColumn(n string) string {
	return database.DoubleQuote(n) + " BIGSERIAL PRIMARY KEY"
}

func (Dialect) ColumnType(kind database.ColumnKind, size int) string {
	switch kind {
	case database.KindInt:
		return "BIGINT"
	case database.KindFloat:
		return "DOUBLE PRECISION"
	case database.KindBool:
		return "BOOLEAN"
	case database.KindTimestamp:
		return "TIMESTAMPTZ"
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

// Classify maps SQLSTATE class 23 codes.
func (Dialect) Classify(err error) database.ConstraintKind {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return database.ConstraintNone
	}
	switch pgErr.Code {
	case "23505":
		return database.ConstraintUnique
	case "23503":
		return database.ConstraintForeignKey
	case "23514":
		return database.ConstraintCheck
	case "23502":
		return database.ConstraintNotNull
	}
	return database.ConstraintNone
}

var (
	_ database.Engine  = (*Engine)(nil)
	_ database.Dialect = Dialect{}
)
