// internal/artifact/artifact.go
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const bytesPerMB = 1024 * 1024

// IOError wraps a filesystem failure on an artifact
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// MB converts a byte count to megabytes
func MB(n int64) float64 {
	return float64(n) / bytesPerMB
}

// Admit reports whether a file of sizeMB may be scanned. A file exactly at
// the limit is admitted.
func Admit(sizeMB, maxSizeMB float64) bool {
	return sizeMB <= maxSizeMB
}

// HashFile returns the lowercase hex SHA-256 of a file's content
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", &IOError{Op: "read", Path: path, Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Store keeps downloaded files under one directory per user
type Store struct {
	root string
}

// NewStore creates a store rooted at dir
func NewStore(root string) *Store {
	return &Store{root: root}
}

// UserDir returns the directory of a user, creating it if needed
func (s *Store) UserDir(userID int64) (string, error) {
	dir := filepath.Join(s.root, strconv.FormatInt(userID, 10))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &IOError{Op: "mkdir", Path: dir, Err: err}
	}
	return dir, nil
}

// Saved is a file written to the store
type Saved struct {
	Path string
	Size int64 // bytes actually written
}

// Save streams r into the user's directory under name. A partial file is
// removed when the copy fails or ctx is cancelled.
func (s *Store) Save(ctx context.Context, userID int64, name string, r io.Reader) (*Saved, error) {
	dir, err := s.UserDir(userID)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, SafeName(name))
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, &IOError{Op: "create", Path: tmpPath, Err: err}
	}

	size, err := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, &IOError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, &IOError{Op: "close", Path: tmpPath, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, &IOError{Op: "rename", Path: path, Err: err}
	}

	return &Saved{Path: path, Size: size}, nil
}

// Remove deletes a saved file. A missing file is not an error.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &IOError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// SafeName strips directories from a user supplied file name
func SafeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "document"
	}
	return name
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
