// Package blob defines the blob storage boundary for uploaded post files,
// previews, thumbnails, banners, and icons.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// Store abstracts the object store. Put must be idempotent under retry: the
// same path and bytes yield the same stored object.
type Store interface {
	// Put uploads data and returns a URI for the stored object.
	Put(ctx context.Context, path, contentType string, r io.Reader) (string, error)
	// Delete removes an object. The bucket may differ from the store's
	// default when deleting rows imported under an older bucket name.
	Delete(ctx context.Context, path, bucket string) error
}

// Memory is an in-process Store for tests.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

// Put stores the bytes under path.
func (m *Memory) Put(_ context.Context, path, contentType string, r io.Reader) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return "", fmt.Errorf("read object: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = buf.Bytes()
	m.types[path] = contentType
	return "mem://" + path, nil
}

// Delete removes the object if present.
func (m *Memory) Delete(_ context.Context, path, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	delete(m.types, path)
	return nil
}

// Object returns stored bytes and whether the path exists.
func (m *Memory) Object(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	return data, ok
}

// Len reports how many objects are stored.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
