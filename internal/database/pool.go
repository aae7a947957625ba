package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"batchingest/internal/config"
)

// Options configures a Pool.
type Options struct {
	URL         string
	PoolSize    int
	MaxOverflow int
	// PoolTimeout bounds how long Acquire waits for a free session.
	PoolTimeout time.Duration
	// PoolRecycle is the maximum lifetime of a connection.
	PoolRecycle time.Duration
	// Echo logs every statement.
	Echo   bool
	Logger Logger
}

// OptionsFromSettings maps environment settings onto pool options.
func OptionsFromSettings(db config.DB) Options {
	return Options{
		URL:         db.URL(),
		PoolSize:    db.PoolSize,
		MaxOverflow: db.MaxOverflow,
		PoolTimeout: db.PoolTimeout,
		PoolRecycle: db.PoolRecycle,
		Echo:        db.Echo,
	}
}

// Stats is a point-in-time view of a Pool.
type Stats struct {
	MaxSessions   int
	InUse         int64
	Acquired      int64
	Timeouts      int64
	EngineCreated bool
	Disposed      bool
}

// Pool hands out transactional sessions against one lazily created Engine.
//
// Concurrency:
//   - Safe for concurrent use. At most PoolSize+MaxOverflow sessions are live;
//     further Acquire calls wait up to PoolTimeout.
//   - The engine is created on first use. Concurrent first callers share
//     one attempt bounded by PoolTimeout; a failed creation is retried on
//     the next call.
//
// Lifecycle: uninitialized -> active (engine created) -> disposed. Dispose is
// terminal.
type Pool struct {
	opts Options
	sem  *semaphore.Weighted
	max  int

	mu       sync.Mutex
	engine   Engine
	disposed bool
	creating singleflight.Group

	open func(ctx context.Context, cfg EngineConfig) (Engine, error)

	inUse    atomic.Int64
	acquired atomic.Int64
	timeouts atomic.Int64
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithEngineOpener replaces OpenEngine, mainly for tests.
func WithEngineOpener(f func(ctx context.Context, cfg EngineConfig) (Engine, error)) PoolOption {
	return func(p *Pool) { p.open = f }
}

// NewPool validates opts. It does not connect.
func NewPool(opts Options, popts ...PoolOption) (*Pool, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("database: pool URL is required")
	}
	if opts.PoolSize < 1 {
		return nil, fmt.Errorf("database: pool size must be at least 1, got %d", opts.PoolSize)
	}
	if opts.MaxOverflow < 0 {
		return nil, fmt.Errorf("database: max overflow must not be negative, got %d", opts.MaxOverflow)
	}
	if opts.PoolTimeout <= 0 {
		opts.PoolTimeout = 30 * time.Second
	}
	limit := opts.PoolSize + opts.MaxOverflow
	p := &Pool{
		opts: opts,
		sem:  semaphore.NewWeighted(int64(limit)),
		max:  limit,
		open: OpenEngine,
	}
	for _, o := range popts {
		o(p)
	}
	return p, nil
}

func (p *Pool) logf(format string, v ...any) {
	if p.opts.Logger == nil {
		return
	}
	p.opts.Logger.Printf(format, v...)
}

// Engine returns the pool's engine, creating it on first call.
//
// Concurrent callers share one creation attempt. The attempt itself is
// bounded by PoolTimeout and is not tied to any single caller's ctx; each
// caller stops waiting when its own ctx ends.
//
// Errors:
//   - ErrPoolDisposed after Dispose.
//   - *EngineError when the backend cannot be created.
//   - ctx.Err() when ctx ends before the engine is ready.
func (p *Pool) Engine(ctx context.Context) (Engine, error) {
	if eng, err := p.current(); eng != nil || err != nil {
		return eng, err
	}
	ch := p.creating.DoChan("engine", func() (any, error) {
		return p.create(context.WithoutCancel(ctx))
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(Engine), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) current() (Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return nil, ErrPoolDisposed
	}
	return p.engine, nil
}

// create opens the engine. A failed attempt leaves the pool uninitialized so
// the next call tries again.
func (p *Pool) create(ctx context.Context) (Engine, error) {
	if eng, err := p.current(); eng != nil || err != nil {
		return eng, err
	}
	octx, cancel := context.WithTimeout(ctx, p.opts.PoolTimeout)
	defer cancel()

	start := time.Now()
	eng, err := p.open(octx, EngineConfig{
		URL:      p.opts.URL,
		MaxConns: p.max,
		MaxIdle:  p.opts.PoolSize,
		Recycle:  p.opts.PoolRecycle,
	})
	if err != nil {
		var ee *EngineError
		if !errors.As(err, &ee) {
			err = &EngineError{Err: err}
		}
		p.logf("stage=db_engine status=error err=%v", err)
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		_ = eng.Close()
		return nil, ErrPoolDisposed
	}
	p.engine = eng
	p.logf("stage=db_engine status=ok dialect=%s max_sessions=%d duration=%s",
		eng.Dialect().Name(), p.max, time.Since(start).Truncate(time.Millisecond))
	return eng, nil
}

// Acquire returns a session with an open transaction. The caller must
// Release it. Waiting for the engine and for a free session together take at
// most PoolTimeout.
//
// Errors:
//   - *ConnectionError wrapping ErrPoolTimeout when the engine or a free
//     session is not available within PoolTimeout.
//   - *ConnectionError when a transaction cannot be started.
//   - *EngineError when the engine cannot be created.
//   - ctx.Err() when ctx ends first.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	wctx, cancel := context.WithTimeout(ctx, p.opts.PoolTimeout)
	defer cancel()

	eng, err := p.Engine(wctx)
	if err != nil {
		if err == wctx.Err() {
			return nil, p.waitErr(ctx, "engine")
		}
		return nil, err
	}
	if err := p.sem.Acquire(wctx, 1); err != nil {
		return nil, p.waitErr(ctx, "acquire")
	}

	tx, err := eng.Begin(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, &ConnectionError{Op: "begin", Err: err}
	}
	p.inUse.Add(1)
	p.acquired.Add(1)
	return &Session{pool: p, tx: tx, dialect: eng.Dialect()}, nil
}

// waitErr maps an expired wait onto ctx's own error, or a pool timeout.
func (p *Pool) waitErr(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.timeouts.Add(1)
	return &ConnectionError{Op: op, Err: fmt.Errorf("%w after %s (max_sessions=%d)", ErrPoolTimeout, p.opts.PoolTimeout, p.max)}
}

// InTx runs fn inside one session and transaction.
//
// The transaction commits when fn returns nil and rolls back when fn returns
// an error or panics; the panic is re-raised after rollback. The session is
// released on every path.
func (p *Pool) InTx(ctx context.Context, fn func(ctx context.Context, s *Session) error) (err error) {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.Release()
	defer func() {
		if r := recover(); r != nil {
			if rbErr := s.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				p.logf("stage=db_tx status=rollback_error err=%v", rbErr)
			}
			panic(r)
		}
	}()

	if err := fn(ctx, s); err != nil {
		if rbErr := s.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			p.logf("stage=db_tx status=rollback_error err=%v", rbErr)
		}
		return err
	}
	if err := s.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// TestConnection runs SELECT 1 in a session and reports success.
func (p *Pool) TestConnection(ctx context.Context) bool {
	err := p.InTx(ctx, func(ctx context.Context, s *Session) error {
		rows, err := s.Query(ctx, "SELECT 1")
		if err != nil {
			return err
		}
		defer rows.Close()
		var one int
		if rows.Next() {
			if err := rows.Scan(&one); err != nil {
				return err
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if one != 1 {
			return fmt.Errorf("SELECT 1 returned %d", one)
		}
		return nil
	})
	if err != nil {
		p.logf("stage=db_ping status=error err=%v", err)
		return false
	}
	return true
}

// Dispose closes the engine and makes the pool unusable. Calling it again is
// a no-op.
func (p *Pool) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return nil
	}
	p.disposed = true
	if p.engine == nil {
		return nil
	}
	err := p.engine.Close()
	p.engine = nil
	p.logf("stage=db_dispose acquired=%d timeouts=%d", p.acquired.Load(), p.timeouts.Load())
	return err
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	created, disposed := p.engine != nil, p.disposed
	p.mu.Unlock()
	return Stats{
		MaxSessions:   p.max,
		InUse:         p.inUse.Load(),
		Acquired:      p.acquired.Load(),
		Timeouts:      p.timeouts.Load(),
		EngineCreated: created,
		Disposed:      disposed,
	}
}

// Session is one pooled connection with an open transaction.
// It is not safe for concurrent use.
type Session struct {
	pool    *Pool
	tx      Tx
	dialect Dialect

	finished bool
	released bool
}

func (s *Session) Dialect() Dialect { return s.dialect }

// Exec runs a statement in the session's transaction.
func (s *Session) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	s.echo(sql, args)
	return s.tx.Exec(ctx, sql, args...)
}

// Query runs a query in the session's transaction.
func (s *Session) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	s.echo(sql, args)
	return s.tx.Query(ctx, sql, args...)
}

func (s *Session) echo(sql string, args []any) {
	if s.pool.opts.Echo {
		s.pool.logf("stage=db_echo sql=%q args=%d", sql, len(args))
	}
}

// Commit commits the transaction.
func (s *Session) Commit(ctx context.Context) error {
	if s.finished {
		return fmt.Errorf("database: transaction already finished")
	}
	s.finished = true
	return s.tx.Commit(ctx)
}

// Rollback rolls back the transaction. It is a no-op once the transaction
// has finished.
func (s *Session) Rollback(ctx context.Context) error {
	if s.finished {
		return nil
	}
	s.finished = true
	return s.tx.Rollback(ctx)
}

// Release rolls back any unfinished transaction and returns the session to
// the pool. It is idempotent.
func (s *Session) Release() {
	if s.released {
		return
	}
	s.released = true
	if !s.finished {
		_ = s.Rollback(context.Background())
	}
	s.pool.inUse.Add(-1)
	s.pool.sem.Release(1)
}
