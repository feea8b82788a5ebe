// Package localfs stages uploaded files on local disk until ingestion has
// extracted them.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const DefaultRoot = "./data/uploads"

type Storage struct {
	root string
}

func New(root string) (*Storage, error) {
	if root == "" {
		root = DefaultRoot
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("localfs: create %s: %w", root, err)
	}
	return &Storage{root: root}, nil
}

// Save writes to a temporary file in the same directory and renames it
// into place, so Open never sees a partial upload.
func (s *Storage) Save(ctx context.Context, key string, data io.Reader) (err error) {
	dst, err := s.resolve(key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return fmt.Errorf("localfs: stage %s: %w", key, err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, readerWithContext{ctx: ctx, r: data}); err != nil {
		return fmt.Errorf("localfs: write %s: %w", key, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("localfs: close %s: %w", key, err)
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("localfs: commit %s: %w", key, err)
	}
	return nil
}

func (s *Storage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("localfs: open %s: %w", key, err)
	}
	return f, nil
}

// Delete is idempotent.
func (s *Storage) Delete(_ context.Context, key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("localfs: delete %s: %w", key, err)
	}
	return nil
}

// resolve only accepts bare file names; keys are generated by ingestion and
// never contain directories.
func (s *Storage) resolve(key string) (string, error) {
	if key == "" || key == "." || key == ".." || filepath.Base(key) != key {
		return "", fmt.Errorf("localfs: invalid key %q", key)
	}
	return filepath.Join(s.root, key), nil
}

type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
