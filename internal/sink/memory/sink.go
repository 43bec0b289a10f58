// Package memory stores extracted content in-memory for development.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Sink stores content in-memory and returns pseudo URIs.
type Sink struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates a new in-memory sink.
func New() *Sink {
	return &Sink{data: make(map[string][]byte)}
}

// Put persists the content and returns a URI.
func (s *Sink) Put(_ context.Context, path string, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", path), nil
}

// Get returns previously stored content (testing helper).
func (s *Sink) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	return data, ok
}
