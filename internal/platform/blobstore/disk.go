package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DiskStore keeps objects as files under root. The HTTP server exposes root
// at publicPrefix, so URL(key) is publicPrefix + "/" + key.
type DiskStore struct {
	root         string
	publicPrefix string
}

// NewDiskStore creates root if needed.
func NewDiskStore(root, publicPrefix string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create upload root %s: %w", root, err)
	}
	return &DiskStore{root: root, publicPrefix: publicPrefix}, nil
}

// Root is the directory served as static files.
func (s *DiskStore) Root() string {
	return s.root
}

// Put writes to a temporary file in the target directory and renames it into
// place, so readers never observe a partial object.
func (s *DiskStore) Put(_ context.Context, key, contentType string, body io.Reader) (*Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, sum, err := readAll(body)
	if err != nil {
		return nil, err
	}

	dest := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("create directory for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("chmod %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return nil, fmt.Errorf("rename into %s: %w", key, err)
	}

	return &Object{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		SHA256:      sum,
		URL:         s.URL(key),
	}, nil
}

func (s *DiskStore) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.root, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrBlobNotFound
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *DiskStore) URL(key string) string {
	return joinURL(s.publicPrefix, key)
}

func (s *DiskStore) KeyFromURL(url string) (string, bool) {
	return trimURL(s.publicPrefix, url)
}
