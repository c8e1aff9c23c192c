package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore writes evidence objects below a local directory.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Name returns "file".
func (s *FileStore) Name() string { return "file" }

// Put writes obj atomically and returns a file:// URI.
func (s *FileStore) Put(ctx context.Context, obj Object) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target := filepath.Join(s.dir, filepath.FromSlash(obj.Key))
	root, err := filepath.Abs(s.dir)
	if err != nil {
		return "", fmt.Errorf("resolving evidence dir: %w", err)
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolving evidence path: %w", err)
	}
	if !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("evidence key %q escapes %s", obj.Key, s.dir)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return "", fmt.Errorf("creating evidence dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".evidence-*")
	if err != nil {
		return "", fmt.Errorf("creating evidence file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(obj.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing evidence file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("writing evidence file: %w", err)
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		return "", fmt.Errorf("writing evidence file: %w", err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}
