// Package database owns connection pooling and transaction scope for the
// loader.
//
// A Pool wraps one Engine, a backend specific handle created lazily from a
// connection URL. Engines are registered by URL scheme from backend packages
// (postgres, sqlite, mssql) in their init functions, mirroring how storage
// backends register themselves. Import internal/database/all to link every
// backend.
package database

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger is the minimal logging interface used by the pool.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Rows is a forward-only result set.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Tx is an open transaction on one connection.
type Tx interface {
	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Engine is a backend connection pool.
type Engine interface {
	Dialect() Dialect
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
}

// EngineConfig is what a backend needs to build an Engine.
type EngineConfig struct {
	URL string
	// MaxConns is pool_size + max_overflow.
	MaxConns int
	// MaxIdle is pool_size; idle connections above it are closed.
	MaxIdle int
	// Recycle is the maximum connection lifetime.
	Recycle time.Duration
}

// EngineFactory builds an Engine. It should verify connectivity before
// returning.
type EngineFactory func(ctx context.Context, cfg EngineConfig) (Engine, error)

var (
	engineMu        sync.RWMutex
	engineFactories = map[string]EngineFactory{}
)

// RegisterEngine registers a backend under a URL scheme.
//
// When to use:
//   - Call RegisterEngine from an init() function in a backend package.
//
// Panics:
//   - If scheme is empty, f is nil, or scheme is already registered.
func RegisterEngine(scheme string, f EngineFactory) {
	engineMu.Lock()
	defer engineMu.Unlock()

	if scheme == "" {
		panic("database: RegisterEngine called with empty scheme")
	}
	if f == nil {
		panic("database: RegisterEngine called with nil factory")
	}
	if _, exists := engineFactories[scheme]; exists {
		panic(fmt.Sprintf("database: engine already registered for scheme=%q", scheme))
	}
	engineFactories[scheme] = f
}

// Schemes lists registered URL schemes, sorted.
func Schemes() []string {
	engineMu.RLock()
	defer engineMu.RUnlock()
	out := make([]string, 0, len(engineFactories))
	for s := range engineFactories {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// OpenEngine picks the factory for cfg.URL's scheme and calls it.
//
// Errors:
//   - *EngineError for an unparseable URL, an unknown scheme, or any factory
//     failure.
func OpenEngine(ctx context.Context, cfg EngineConfig) (Engine, error) {
	scheme, err := urlScheme(cfg.URL)
	if err != nil {
		return nil, &EngineError{Err: err}
	}

	engineMu.RLock()
	f := engineFactories[scheme]
	engineMu.RUnlock()

	if f == nil {
		return nil, &EngineError{Scheme: scheme, Err: fmt.Errorf("no engine registered (have %s)", strings.Join(Schemes(), ", "))}
	}
	eng, err := f(ctx, cfg)
	if err != nil {
		return nil, &EngineError{Scheme: scheme, Err: err}
	}
	return eng, nil
}

func urlScheme(raw string) (string, error) {
	i := strings.Index(raw, "://")
	if i <= 0 {
		return "", fmt.Errorf("connection URL has no scheme")
	}
	if _, err := url.Parse(raw); err != nil {
		return "", fmt.Errorf("connection URL: %w", err)
	}
	return strings.ToLower(raw[:i]), nil
}
