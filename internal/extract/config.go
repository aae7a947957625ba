// Package extract discovers source files and streams them as bounded chunks
// of records.
//
// A Config is validated once at construction and is read-only afterwards.
// Two file formats are supported, CSV and Parquet; each has an Extractor that
// opens a single file and hands out Chunks of at most ChunkSize records, in
// file order.
package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"
)

// FileType names a supported source format.
type FileType string

const (
	FileTypeCSV     FileType = "csv"
	FileTypeParquet FileType = "parquet"
)

// ArchiveDirName is the directory created next to the source path to receive
// processed files.
const ArchiveDirName = "archive"

// Format carries format specific options. It is implemented only by
// CSVFormat and ParquetFormat.
type Format interface {
	FileType() FileType
	defaultPatterns() []string
}

// CSVFormat configures CSV parsing. Use DefaultCSVFormat for a header row,
// comma delimiter and UTF-8 input; a zero Header means the file has none.
type CSVFormat struct {
	Delimiter rune
	Header    bool
	// Encoding is a WHATWG encoding label such as "utf-8", "latin1" or
	// "windows-1250". Empty means utf-8.
	Encoding string
}

// DefaultCSVFormat returns the default CSV options.
func DefaultCSVFormat() CSVFormat {
	return CSVFormat{Delimiter: ',', Header: true, Encoding: "utf-8"}
}

func (CSVFormat) FileType() FileType        { return FileTypeCSV }
func (CSVFormat) defaultPatterns() []string { return []string{"*.csv"} }

// ParquetFormat has no options; column names and types come from the file.
type ParquetFormat struct{}

func (ParquetFormat) FileType() FileType        { return FileTypeParquet }
func (ParquetFormat) defaultPatterns() []string { return []string{"*.parquet"} }

// Options is the mutable input to NewConfig.
type Options struct {
	SourcePath string
	FileType   FileType
	// Format is derived from FileType when nil.
	Format           Format
	ChunkSize        int
	ValidateSchema   bool
	ArchiveProcessed bool
	// FilePatterns are glob patterns matched against names directly inside
	// SourcePath, in order. Empty means the format default.
	FilePatterns []string
}

// DefaultOptions returns options with chunk size 1000 and both schema
// validation and archival enabled.
func DefaultOptions(sourcePath string, ft FileType) Options {
	return Options{
		SourcePath:       sourcePath,
		FileType:         ft,
		ChunkSize:        1000,
		ValidateSchema:   true,
		ArchiveProcessed: true,
	}
}

// Config is a validated, immutable extraction configuration.
type Config struct {
	sourcePath       string
	fileType         FileType
	format           Format
	chunkSize        int
	validateSchema   bool
	archiveProcessed bool
	patterns         []string
	archiveDir       string
}

// NewConfig validates o and returns a Config.
//
// Side effects:
//   - When ArchiveProcessed is set, the archive directory
//     (<parent of SourcePath>/archive) is created if missing.
//
// Errors:
//   - *ConfigError naming the offending field.
func NewConfig(o Options) (Config, error) {
	c := Config{
		sourcePath:       filepath.Clean(o.SourcePath),
		fileType:         FileType(strings.ToLower(string(o.FileType))),
		format:           o.Format,
		chunkSize:        o.ChunkSize,
		validateSchema:   o.ValidateSchema,
		archiveProcessed: o.ArchiveProcessed,
		patterns:         slices.Clone(o.FilePatterns),
	}
	if c.format == nil {
		switch c.fileType {
		case FileTypeCSV:
			c.format = DefaultCSVFormat()
		case FileTypeParquet:
			c.format = ParquetFormat{}
		}
	}
	if f, ok := c.format.(CSVFormat); ok {
		if f.Delimiter == 0 {
			f.Delimiter = ','
		}
		if strings.TrimSpace(f.Encoding) == "" {
			f.Encoding = "utf-8"
		}
		c.format = f
	}
	if len(c.patterns) == 0 && c.format != nil {
		c.patterns = c.format.defaultPatterns()
	}

	if err := c.check(o.SourcePath); err != nil {
		return Config{}, err
	}

	if c.archiveProcessed {
		c.archiveDir = filepath.Join(filepath.Dir(c.sourcePath), ArchiveDirName)
		if err := os.MkdirAll(c.archiveDir, 0o755); err != nil {
			return Config{}, &ConfigError{Field: "archive_processed_data", Reason: "cannot create archive directory", Err: err}
		}
	}
	return c, nil
}

// check holds every construction invariant.
func (c Config) check(rawPath string) error {
	if strings.TrimSpace(rawPath) == "" {
		return &ConfigError{Field: "source_path", Reason: "must not be empty"}
	}
	if _, err := os.Stat(c.sourcePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &ConfigError{Field: "source_path", Reason: fmt.Sprintf("%s does not exist", c.sourcePath)}
		}
		return &ConfigError{Field: "source_path", Reason: "cannot stat", Err: err}
	}
	switch c.fileType {
	case FileTypeCSV, FileTypeParquet:
	default:
		return &ConfigError{Field: "file_type", Reason: fmt.Sprintf("unsupported file type %q", c.fileType)}
	}
	if c.format == nil || c.format.FileType() != c.fileType {
		return &ConfigError{Field: "format", Reason: fmt.Sprintf("format does not match file type %q", c.fileType)}
	}
	if c.chunkSize <= 0 {
		return &ConfigError{Field: "chunk_size", Reason: fmt.Sprintf("must be positive, got %d", c.chunkSize)}
	}
	if f, ok := c.format.(CSVFormat); ok {
		if !validDelimiter(f.Delimiter) {
			return &ConfigError{Field: "format.delimiter", Reason: fmt.Sprintf("invalid delimiter %q", f.Delimiter)}
		}
		if _, err := lookupEncoding(f.Encoding); err != nil {
			return &ConfigError{Field: "format.encoding", Reason: err.Error()}
		}
	}
	for i, p := range c.patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return &ConfigError{Field: fmt.Sprintf("file_patterns[%d]", i), Reason: fmt.Sprintf("malformed pattern %q", p), Err: err}
		}
	}
	return nil
}

// validDelimiter mirrors what encoding/csv accepts as a field separator.
func validDelimiter(r rune) bool {
	return r != 0 && r != '"' && r != '\r' && r != '\n' &&
		utf8.ValidRune(r) && r != utf8.RuneError
}

func (c Config) SourcePath() string     { return c.sourcePath }
func (c Config) FileType() FileType     { return c.fileType }
func (c Config) Format() Format         { return c.format }
func (c Config) ChunkSize() int         { return c.chunkSize }
func (c Config) ValidateSchema() bool   { return c.validateSchema }
func (c Config) ArchiveProcessed() bool { return c.archiveProcessed }

// FilePatterns returns a copy of the configured glob patterns.
func (c Config) FilePatterns() []string { return slices.Clone(c.patterns) }

// ArchiveDir is empty when archival is disabled.
func (c Config) ArchiveDir() string { return c.archiveDir }
