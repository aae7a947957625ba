package pipeline

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"batchingest/internal/store"
)

// FileMetadata describes one processed source file. It is built once, after
// the file reaches its terminal state, and never modified.
type FileMetadata struct {
	FileName         string
	FileSize         int64
	ExtractedAt      time.Time
	RowCount         int
	Columns          []string
	ValidationErrors []string
	// Checksum is the xxh3-64 digest of the file contents in hex, taken
	// before archival. Empty when the file could not be read.
	Checksum string
}

// FileResult is the outcome of one file.
type FileResult struct {
	Path     string
	Kind     store.EntityKind
	State    State
	Metadata FileMetadata

	// Loaded and Rejected count rows committed to the store and rows of
	// chunks rolled back for constraint violations.
	Loaded   int
	Rejected int
	Invalid  int
	Chunks   int

	// ArchivedTo is the destination path when the file was moved.
	ArchivedTo string
	// Err is the error that made the file fail, if any.
	Err error
}

// Report is the outcome of one Run.
type Report struct {
	RunID      uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time
	Files      []FileResult
}

// Failed returns the number of files in StateFailed.
func (r Report) Failed() int {
	n := 0
	for _, f := range r.Files {
		if f.State == StateFailed {
			n++
		}
	}
	return n
}

// Loaded returns the number of rows committed across all files.
func (r Report) Loaded() int {
	n := 0
	for _, f := range r.Files {
		n += f.Loaded
	}
	return n
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxh3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
