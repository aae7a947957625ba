package extract

import (
	"fmt"
	"path/filepath"
)

// ConfigError reports an invalid extraction configuration.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract config: %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("extract config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ExtractionError reports a file that could not be opened or parsed.
// Chunk is the index of the chunk being read, or -1 when the file failed
// before its first chunk.
type ExtractionError struct {
	Path  string
	Chunk int
	Err   error
}

func (e *ExtractionError) Error() string {
	if e.Chunk >= 0 {
		return fmt.Sprintf("extract %s chunk %d: %v", filepath.Base(e.Path), e.Chunk, e.Err)
	}
	return fmt.Sprintf("extract %s: %v", filepath.Base(e.Path), e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }
