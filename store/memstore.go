package store

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/latticefs/latticefs/errs"
	"github.com/latticefs/latticefs/merkle"
)

// MemStore is the in-memory VersionStore back-end spec.md §4.1 calls
// for test use: a map guarded by a mutex, no persistence.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[merkle.Hash][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[merkle.Hash][]byte)}
}

func (s *MemStore) Init(ctx context.Context) error { return nil }

func (s *MemStore) Put(ctx context.Context, hash merkle.Hash, src io.Reader) error {
	s.mu.RLock()
	_, exists := s.blobs[hash]
	s.mu.RUnlock()
	if exists {
		return nil
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return errs.IOf("memstore.put", hash.String(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[hash]; !exists {
		s.blobs[hash] = data
	}
	return nil
}

func (s *MemStore) Get(ctx context.Context, hash merkle.Hash) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.blobs[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.NotFoundf("memstore.get", hash.String(), nil)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemStore) Exists(ctx context.Context, hash merkle.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[hash]
	return ok, nil
}

func (s *MemStore) Delete(ctx context.Context, hash merkle.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, hash)
	return nil
}

func (s *MemStore) List(ctx context.Context) ([]merkle.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]merkle.Hash, 0, len(s.blobs))
	for h := range s.blobs {
		out = append(out, h)
	}
	return out, nil
}

func (s *MemStore) StorageKind() string { return "memstore" }

func (s *MemStore) StorageSettings() map[string]string {
	return map[string]string{"kind": "memstore", "persistent": "false"}
}
