// Package blob is the object-store collaborator: file uploads go in, a
// retrievable URL comes out. Backed by a local directory; a name prefix
// keeps uploads from colliding.
package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store writes uploaded objects to a directory and hands back URLs.
type Store struct {
	dir string

	// baseURL, when set, prefixes returned URLs ("http://host/uploads").
	// Empty means file:// URLs pointing at the local directory.
	baseURL string
}

// Open ensures the upload directory exists.
func Open(dir, baseURL string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Store{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Put stores the contents of r under a unique name and returns its URL.
func (s *Store) Put(name string, r io.Reader) (string, error) {
	name = filepath.Base(name) // no path traversal
	if name == "" || name == "." {
		return "", fmt.Errorf("invalid object name")
	}
	stored := uuid.NewString() + "-" + name

	f, err := os.Create(filepath.Join(s.dir, stored))
	if err != nil {
		return "", fmt.Errorf("create object: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write object: %w", err)
	}

	if s.baseURL != "" {
		return s.baseURL + "/" + stored, nil
	}
	abs, err := filepath.Abs(f.Name())
	if err != nil {
		return "", err
	}
	return "file://" + abs, nil
}

// Open returns a reader for a stored object by the name Put generated.
func (s *Store) Open(stored string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.dir, filepath.Base(stored)))
}
