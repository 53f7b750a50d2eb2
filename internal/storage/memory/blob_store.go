// Package memory keeps report and screenshot blobs in process memory
// for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// BlobStore stores artifacts in a map and returns pseudo URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewBlobStore constructs an empty BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string][]byte)}
}

// PutObject stores the content under path and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, body io.Reader) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read object body: %w", err)
	}
	s.mu.Lock()
	s.objects[path] = data
	s.mu.Unlock()
	return fmt.Sprintf("memory://%s", path), nil
}

// Object returns a copy of the stored content for path.
func (s *BlobStore) Object(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}
