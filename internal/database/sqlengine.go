package database

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLEngine adapts a database/sql handle to Engine. The sqlite and mssql
// backends use it.
type SQLEngine struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLEngine applies cfg's limits to db and wraps it.
func NewSQLEngine(db *sql.DB, d Dialect, cfg EngineConfig) *SQLEngine {
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.Recycle > 0 {
		db.SetConnMaxLifetime(cfg.Recycle)
	}
	return &SQLEngine{db: db, dialect: d}
}

func (e *SQLEngine) Dialect() Dialect { return e.dialect }

func (e *SQLEngine) Begin(ctx context.Context) (Tx, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (e *SQLEngine) Ping(ctx context.Context) error { return e.db.PingContext(ctx) }

func (e *SQLEngine) Close() error { return e.db.Close() }

// DB exposes the handle for tests and DDL tooling.
func (e *SQLEngine) DB() *sql.DB { return e.db }

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (t *sqlTx) Commit(context.Context) error   { return t.tx.Commit() }
func (t *sqlTx) Rollback(context.Context) error { return t.tx.Rollback() }

type sqlRows struct{ *sql.Rows }

func (r sqlRows) Close() { _ = r.Rows.Close() }

var (
	_ Engine = (*SQLEngine)(nil)
	_ Tx     = (*sqlTx)(nil)
	_ Rows   = sqlRows{}
)
