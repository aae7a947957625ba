package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// rename is swapped in tests to simulate cross-device moves.
var rename = os.Rename

// archiveFile moves src into dir and returns the destination. An existing
// file of the same name is kept; the new one gets a timestamp suffix. When a
// rename is impossible (e.g. across devices) the file is copied and the
// original removed.
func archiveFile(src, dir string, now time.Time) (string, error) {
	dest, err := archiveDest(src, dir, now)
	if err != nil {
		return "", err
	}

	rerr := rename(src, dest)
	if rerr == nil {
		return dest, nil
	}
	var le *os.LinkError
	if !errors.As(rerr, &le) {
		return "", fmt.Errorf("archive %s: %w", filepath.Base(src), rerr)
	}
	if err := copyFile(src, dest); err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("archive %s: %w", filepath.Base(src), errors.Join(rerr, err))
	}
	if err := os.Remove(src); err != nil {
		return dest, fmt.Errorf("archive %s: remove source: %w", filepath.Base(src), err)
	}
	return dest, nil
}

func archiveDest(src, dir string, now time.Time) (string, error) {
	base := filepath.Base(src)
	dest := filepath.Join(dir, base)
	if _, err := os.Lstat(dest); errors.Is(err, os.ErrNotExist) {
		return dest, nil
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	stamp := now.UTC().Format("20060102T150405")
	for i := 0; i < 1000; i++ {
		name := fmt.Sprintf("%s_%s%s", stem, stamp, ext)
		if i > 0 {
			name = fmt.Sprintf("%s_%s_%d%s", stem, stamp, i, ext)
		}
		dest = filepath.Join(dir, name)
		if _, err := os.Lstat(dest); errors.Is(err, os.ErrNotExist) {
			return dest, nil
		}
	}
	return "", fmt.Errorf("archive %s: no free name in %s", base, dir)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
