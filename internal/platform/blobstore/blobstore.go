// Package blobstore stores uploaded files (patient avatars) behind a small
// Store interface with local-disk, S3 and in-memory backends.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
)

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")
	ErrInvalidKey   = errors.New("invalid object key")
)

// MaxObjectSize caps a single object regardless of the caller's own limit.
const MaxObjectSize = 16 << 20

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*(/[A-Za-z0-9][A-Za-z0-9._-]*)*$`)

// Object describes a stored blob.
type Object struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
	URL         string `json:"url"`
}

// Store is the contract for blob storage backends.
type Store interface {
	// Put writes body under key, replacing any existing object.
	Put(ctx context.Context, key, contentType string, body io.Reader) (*Object, error)
	// Delete removes the object. Missing objects yield ErrBlobNotFound.
	Delete(ctx context.Context, key string) error
	// URL returns the public address clients use to fetch key.
	URL(key string) string
	// KeyFromURL reverses URL for addresses this store produced.
	KeyFromURL(url string) (string, bool)
}

// ValidateKey rejects empty keys, absolute paths and any ".." segment.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// readAll buffers body up to MaxObjectSize and returns it with its hex
// SHA-256 digest.
func readAll(body io.Reader) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(body, MaxObjectSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxObjectSize {
		return nil, "", ErrFileTooLarge
	}
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}

func trimURL(base, url string) (string, bool) {
	prefix := strings.TrimRight(base, "/") + "/"
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(url, prefix)
	if ValidateKey(key) != nil {
		return "", false
	}
	return key, true
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	object  Object
	content []byte
}

// MemoryStore is a thread-safe Store for tests and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	blobs     map[string]*storedBlob
	publicURL string
}

func NewMemoryStore(publicURL string) *MemoryStore {
	return &MemoryStore{
		blobs:     make(map[string]*storedBlob),
		publicURL: publicURL,
	}
}

func (s *MemoryStore) Put(_ context.Context, key, contentType string, body io.Reader) (*Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, sum, err := readAll(body)
	if err != nil {
		return nil, err
	}

	obj := Object{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		SHA256:      sum,
		URL:         s.URL(key),
	}

	s.mu.Lock()
	s.blobs[key] = &storedBlob{object: obj, content: data}
	s.mu.Unlock()

	out := obj
	return &out, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

// Get returns a copy of the stored content.
func (s *MemoryStore) Get(key string) ([]byte, *Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.blobs[key]
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	obj := blob.object
	return bytes.Clone(blob.content), &obj, nil
}

// Len reports the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

func (s *MemoryStore) URL(key string) string {
	return joinURL(s.publicURL, key)
}

func (s *MemoryStore) KeyFromURL(url string) (string, bool) {
	return trimURL(s.publicURL, url)
}
