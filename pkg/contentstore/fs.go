package contentstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"
)

const (
	filePrefix       = "Temp_"
	compressedSuffix = ".lz4"
	tempDirPattern   = "depotfetch-content-*"
	contentFileMode  = 0o600
	contentDirMode   = 0o700
)

// FSOption configures an FS store.
type FSOption func(*FS)

// WithCompression stores content LZ4-compressed on disk.
func WithCompression(enabled bool) FSOption {
	return func(s *FS) {
		s.compress = enabled
	}
}

// FS stores each slot in its own file under a directory.
type FS struct {
	dir      string
	owned    bool
	compress bool
}

// NewFS creates a file-backed store rooted at dir. When dir is empty, a
// private temp directory is created and removed again by Close.
func NewFS(dir string, opts ...FSOption) (*FS, error) {
	store := &FS{dir: dir}

	for _, opt := range opts {
		opt(store)
	}

	if dir == "" {
		tmp, err := os.MkdirTemp("", tempDirPattern)
		if err != nil {
			return nil, fmt.Errorf("contentstore: create temp dir: %w", err)
		}

		store.dir = tmp
		store.owned = true

		return store, nil
	}

	if err := os.MkdirAll(dir, contentDirMode); err != nil {
		return nil, fmt.Errorf("contentstore: create dir: %w", err)
	}

	return store, nil
}

// Dir returns the directory holding the content files.
func (s *FS) Dir() string {
	return s.dir
}

// Path returns the file backing (change, id).
func (s *FS) Path(change string, id int) string {
	name := filePrefix + Key(change, id)
	if s.compress {
		name += compressedSuffix
	}

	return filepath.Join(s.dir, name)
}

// Put writes data to a new file. The file is created exclusively, so a
// second Put for the same slot fails with ErrExists.
func (s *FS) Put(change string, id int, data []byte) error {
	path := s.Path(change, id)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, contentFileMode)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("contentstore: %s: %w", Key(change, id), ErrExists)
		}

		return fmt.Errorf("contentstore: create %s: %w", path, err)
	}

	err = s.write(f, data)

	closeErr := f.Close()

	if err != nil {
		os.Remove(path)

		return fmt.Errorf("contentstore: write %s: %w", path, err)
	}

	if closeErr != nil {
		os.Remove(path)

		return fmt.Errorf("contentstore: close %s: %w", path, closeErr)
	}

	return nil
}

func (s *FS) write(w io.Writer, data []byte) error {
	if !s.compress {
		_, err := w.Write(data)

		return err
	}

	zw := lz4.NewWriter(w)

	if _, err := zw.Write(data); err != nil {
		return err
	}

	return zw.Close()
}

// Get reads the slot back, decompressing if needed.
func (s *FS) Get(change string, id int) ([]byte, error) {
	path := s.Path(change, id)

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("contentstore: %s: %w", Key(change, id), ErrNotFound)
		}

		return nil, fmt.Errorf("contentstore: open %s: %w", path, err)
	}

	defer f.Close()

	var r io.Reader = f
	if s.compress {
		r = lz4.NewReader(f)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("contentstore: read %s: %w", path, err)
	}

	return data, nil
}

// Delete removes the slot's file.
func (s *FS) Delete(change string, id int) error {
	err := os.Remove(s.Path(change, id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("contentstore: remove: %w", err)
	}

	return nil
}

// Close removes the directory if the store created it. Safe to call
// multiple times.
func (s *FS) Close() error {
	if !s.owned || s.dir == "" {
		return nil
	}

	err := os.RemoveAll(s.dir)
	s.dir = ""

	if err != nil {
		return fmt.Errorf("contentstore: remove temp dir: %w", err)
	}

	return nil
}
