package extract

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf8"
)

func TestNewConfig_Defaults(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "incoming")
	if err := os.Mkdir(src, 0o755); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewConfig(DefaultOptions(src, FileTypeCSV))
	if err != nil {
		t.Fatalf("NewConfig() err=%v", err)
	}
	if cfg.ChunkSize() != 1000 || !cfg.ValidateSchema() || !cfg.ArchiveProcessed() {
		t.Fatalf("defaults chunk=%d validate=%v archive=%v", cfg.ChunkSize(), cfg.ValidateSchema(), cfg.ArchiveProcessed())
	}
	f, ok := cfg.Format().(CSVFormat)
	if !ok || f.Delimiter != ',' || !f.Header || f.Encoding != "utf-8" {
		t.Fatalf("Format()=%#v", cfg.Format())
	}
	if got := cfg.FilePatterns(); len(got) != 1 || got[0] != "*.csv" {
		t.Fatalf("FilePatterns()=%v", got)
	}

	want := filepath.Join(root, ArchiveDirName)
	if cfg.ArchiveDir() != want {
		t.Fatalf("ArchiveDir()=%q, want %q", cfg.ArchiveDir(), want)
	}
	if st, err := os.Stat(want); err != nil || !st.IsDir() {
		t.Fatalf("archive dir not created: %v", err)
	}
}

func TestNewConfig_ParquetDefaults(t *testing.T) {
	src := t.TempDir()
	o := DefaultOptions(src, FileTypeParquet)
	o.ArchiveProcessed = false
	cfg, err := NewConfig(o)
	if err != nil {
		t.Fatalf("NewConfig() err=%v", err)
	}
	if _, ok := cfg.Format().(ParquetFormat); !ok {
		t.Fatalf("Format()=%#v, want ParquetFormat", cfg.Format())
	}
	if got := cfg.FilePatterns(); len(got) != 1 || got[0] != "*.parquet" {
		t.Fatalf("FilePatterns()=%v", got)
	}
	if cfg.ArchiveDir() != "" {
		t.Fatalf("ArchiveDir()=%q, want empty when archival disabled", cfg.ArchiveDir())
	}
}

func TestNewConfig_Errors(t *testing.T) {
	src := t.TempDir()
	tests := []struct {
		name  string
		mut   func(*Options)
		field string
	}{
		{"missing_path", func(o *Options) { o.SourcePath = filepath.Join(src, "nope") }, "source_path"},
		{"empty_path", func(o *Options) { o.SourcePath = "" }, "source_path"},
		{"bad_type", func(o *Options) { o.FileType = "xlsx" }, "file_type"},
		{"zero_chunk", func(o *Options) { o.ChunkSize = 0 }, "chunk_size"},
		{"negative_chunk", func(o *Options) { o.ChunkSize = -5 }, "chunk_size"},
		{"format_mismatch", func(o *Options) { o.Format = ParquetFormat{} }, "format"},
		{"bad_encoding", func(o *Options) { o.Format = CSVFormat{Encoding: "klingon"} }, "format.encoding"},
		{"bad_pattern", func(o *Options) { o.FilePatterns = []string{"["} }, "file_patterns[0]"},
		{"quote_delimiter", func(o *Options) { o.Format = CSVFormat{Delimiter: '"'} }, "format.delimiter"},
		{"newline_delimiter", func(o *Options) { o.Format = CSVFormat{Delimiter: '\n'} }, "format.delimiter"},
		{"replacement_char_delimiter", func(o *Options) { o.Format = CSVFormat{Delimiter: utf8.RuneError} }, "format.delimiter"},
		{"surrogate_delimiter", func(o *Options) { o.Format = CSVFormat{Delimiter: 0xD800} }, "format.delimiter"},
		{"out_of_range_delimiter", func(o *Options) { o.Format = CSVFormat{Delimiter: utf8.MaxRune + 1} }, "format.delimiter"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o := DefaultOptions(src, FileTypeCSV)
			o.ArchiveProcessed = false
			tc.mut(&o)
			_, err := NewConfig(o)
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("NewConfig() err=%v, want *ConfigError", err)
			}
			if ce.Field != tc.field {
				t.Fatalf("ConfigError.Field=%q, want %q", ce.Field, tc.field)
			}
		})
	}
}

// TestConfig_Immutable checks that neither the input slice nor the returned
// copy can change the config after construction.
func TestConfig_Immutable(t *testing.T) {
	o := DefaultOptions(t.TempDir(), FileTypeCSV)
	o.ArchiveProcessed = false
	o.FilePatterns = []string{"a*.csv", "b*.csv"}
	cfg, err := NewConfig(o)
	if err != nil {
		t.Fatal(err)
	}
	o.FilePatterns[0] = "changed"
	got := cfg.FilePatterns()
	got[1] = "changed"
	if again := cfg.FilePatterns(); again[0] != "a*.csv" || again[1] != "b*.csv" {
		t.Fatalf("FilePatterns()=%v after external mutation", again)
	}
}

// A delimiter NewConfig accepts also opens: bad delimiters must fail at
// construction, not on every file.
func TestNewConfig_AcceptedDelimiterOpens(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "customers.csv")
	if err := os.WriteFile(p, []byte("a;b\n1;2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, d := range []rune{';', '\t', '|', 'ж'} {
		o := DefaultOptions(p, FileTypeCSV)
		o.ArchiveProcessed = false
		o.Format = CSVFormat{Delimiter: d, Header: true}
		cfg, err := NewConfig(o)
		if err != nil {
			t.Fatalf("NewConfig(delimiter %q) err=%v", d, err)
		}
		r, err := ForConfig(cfg).Open(p, 10)
		if err != nil {
			t.Fatalf("Open(delimiter %q) err=%v", d, err)
		}
		r.Close()
	}
}
