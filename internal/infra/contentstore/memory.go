package contentstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/copysentry/copysentry/internal/domain/protection"
)

var _ protection.ContentStore = (*MemoryStore)(nil)

// MemoryStore is an in-process content store keyed by fingerprint. It backs
// tests and local development.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory content store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Put stores content under a fingerprint-derived pointer. Identical content
// maps to the same pointer.
func (s *MemoryStore) Put(ctx context.Context, content []byte) (string, error) {
	pointer := "cas://" + string(protection.ComputeFingerprint(content))

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(content))
	copy(stored, content)
	s.blobs[pointer] = stored
	return pointer, nil
}

// Get resolves a pointer back to its content bytes.
func (s *MemoryStore) Get(ctx context.Context, pointer string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	content, ok := s.blobs[pointer]
	if !ok {
		return nil, fmt.Errorf("content store get: pointer %s not found", pointer)
	}
	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}
