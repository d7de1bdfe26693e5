package eventlog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const (
	DefaultMaxBytes int64 = 100 * 1024 * 1024
	TimeLayout            = "2006-01-02 15:04:05.000000"
)

// File appends one line per event:
//
//	new , 2024-05-01 12:00:00.000000
//	loss, 2024-05-01 12:03:10.512344
//
// Before each append the file is removed if it already exceeds maxBytes, so
// right after a write it is never larger than maxBytes plus one record.
type File struct {
	path     string
	maxBytes int64

	mu sync.Mutex
}

func NewFile(path string, maxBytes int64) *File {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &File{path: path, maxBytes: maxBytes}
}

func (f *File) Write(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.truncateIfOversized(); err != nil {
		return err
	}
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	if _, err := fh.WriteString(FormatRecord(ev)); err != nil {
		_ = fh.Close()
		return fmt.Errorf("append event log: %w", err)
	}
	return fh.Close()
}

func (f *File) truncateIfOversized() error {
	st, err := os.Stat(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat event log: %w", err)
	}
	if st.Size() <= f.maxBytes {
		return nil
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove oversized event log: %w", err)
	}
	return nil
}

func FormatRecord(ev Event) string {
	prefix := "new , "
	if ev.Kind == Disconnected {
		prefix = "loss, "
	}
	return prefix + ev.At.Format(TimeLayout) + "\n"
}
