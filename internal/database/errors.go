package database

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolTimeout is wrapped by ConnectionError when no session frees up
	// within the pool timeout.
	ErrPoolTimeout = errors.New("timed out waiting for a pooled connection")
	// ErrPoolDisposed is returned by every operation after Dispose.
	ErrPoolDisposed = errors.New("connection pool disposed")
)

// ConnectionError reports a failure to obtain or use a connection. It is
// transient: callers may retry.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("database connection: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// EngineError reports that the backend engine could not be created.
type EngineError struct {
	Scheme string
	Err    error
}

func (e *EngineError) Error() string {
	if e.Scheme == "" {
		return fmt.Sprintf("database engine: %v", e.Err)
	}
	return fmt.Sprintf("database engine %s: %v", e.Scheme, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a ConnectionError or EngineError.
func IsTransient(err error) bool {
	var ce *ConnectionError
	var ee *EngineError
	return errors.As(err, &ce) || errors.As(err, &ee)
}
