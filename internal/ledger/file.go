package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileBackend stores each kind as a UTF-8 text file under a data directory.
type FileBackend struct {
	dir string
	mu  sync.Mutex
}

// NewFileBackend constructs a FileBackend rooted at dir.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

// Dir returns the data directory.
func (b *FileBackend) Dir() string { return b.dir }

func (b *FileBackend) path(kind Kind) string {
	return filepath.Join(b.dir, filepath.FromSlash(kind.File()))
}

// Append adds one line and fsyncs the file.
func (b *FileBackend) Append(_ context.Context, kind Kind, rec Record) error {
	if errValidate := validateRecord(kind, rec); errValidate != nil {
		return errValidate
	}
	path := b.path(kind)

	b.mu.Lock()
	defer b.mu.Unlock()

	if errMkdir := os.MkdirAll(filepath.Dir(path), 0o755); errMkdir != nil {
		return fmt.Errorf("file ledger: mkdir for %s: %w", kind, errMkdir)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("file ledger: open %s: %w", kind, err)
	}

	line := formatLine(kind, rec) + "\n"
	needsBreak, errTail := missingTrailingNewline(f)
	if errTail != nil {
		_ = f.Close()
		return fmt.Errorf("file ledger: inspect %s: %w", kind, errTail)
	}
	if needsBreak {
		line = "\n" + line
	}
	if _, errWrite := f.WriteString(line); errWrite != nil {
		_ = f.Close()
		return fmt.Errorf("file ledger: append %s: %w", kind, errWrite)
	}
	if errSync := f.Sync(); errSync != nil {
		_ = f.Close()
		return fmt.Errorf("file ledger: sync %s: %w", kind, errSync)
	}
	if errClose := f.Close(); errClose != nil {
		return fmt.Errorf("file ledger: close %s: %w", kind, errClose)
	}
	return nil
}

// missingTrailingNewline reports whether a non-empty file lacks a final line break.
func missingTrailingNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, errRead := f.ReadAt(last, info.Size()-1); errRead != nil && !errors.Is(errRead, io.EOF) {
		return false, errRead
	}
	return last[0] != '\n', nil
}

// ReadAll returns the records of kind in file order. A missing file is empty.
func (b *FileBackend) ReadAll(_ context.Context, kind Kind) ([]Record, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	b.mu.Lock()
	data, err := os.ReadFile(b.path(kind))
	b.mu.Unlock()

	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("file ledger: read %s: %w", kind, err)
	}

	var out []Record
	for _, line := range strings.Split(string(data), "\n") {
		if rec, ok := parseLine(kind, line); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Rewrite writes recs to a temporary file in the same directory and renames it over the kind's file.
func (b *FileBackend) Rewrite(_ context.Context, kind Kind, recs []Record) error {
	if !kind.valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	var buf bytes.Buffer
	for _, rec := range recs {
		if errValidate := validateRecord(kind, rec); errValidate != nil {
			return errValidate
		}
		buf.WriteString(formatLine(kind, rec))
		buf.WriteByte('\n')
	}
	path := b.path(kind)

	b.mu.Lock()
	defer b.mu.Unlock()

	dir := filepath.Dir(path)
	if errMkdir := os.MkdirAll(dir, 0o755); errMkdir != nil {
		return fmt.Errorf("file ledger: mkdir for %s: %w", kind, errMkdir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("file ledger: create temp for %s: %w", kind, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, errWrite := tmp.Write(buf.Bytes()); errWrite != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("file ledger: write temp for %s: %w", kind, errWrite)
	}
	if errSync := tmp.Sync(); errSync != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("file ledger: sync temp for %s: %w", kind, errSync)
	}
	if errClose := tmp.Close(); errClose != nil {
		cleanup()
		return fmt.Errorf("file ledger: close temp for %s: %w", kind, errClose)
	}
	if errChmod := os.Chmod(tmpName, 0o644); errChmod != nil {
		cleanup()
		return fmt.Errorf("file ledger: chmod temp for %s: %w", kind, errChmod)
	}
	if errRename := os.Rename(tmpName, path); errRename != nil {
		cleanup()
		return fmt.Errorf("file ledger: replace %s: %w", kind, errRename)
	}
	return nil
}
