package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"vigil/pkg/platform/sentinel"
)

// MemoryStore keeps blobs in memory for tests and dev. Unlike real WORM
// storage it allows overwrites via Put, which tests use to simulate blob
// corruption.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory constructs an empty in-memory blob store.
func NewMemory() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func memoryURI(boundary time.Time) string {
	return "mem://audit/" + boundary.Format("2006-01") + ".jsonl"
}

func (s *MemoryStore) Upload(_ context.Context, boundary time.Time, data io.Reader) (*UploadResult, error) {
	payload, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("read archive payload: %w", err)
	}
	sum := sha256.Sum256(payload)
	uri := memoryURI(boundary)

	s.mu.Lock()
	s.blobs[uri] = payload
	s.mu.Unlock()

	return &UploadResult{
		URI:         uri,
		ContentHash: hex.EncodeToString(sum[:]),
		SizeBytes:   int64(len(payload)),
	}, nil
}

func (s *MemoryStore) Download(_ context.Context, uri string) (io.ReadCloser, error) {
	s.mu.RLock()
	payload, ok := s.blobs[uri]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("archive blob %s: %w", uri, sentinel.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(payload)), nil
}

func (s *MemoryStore) GetBlobHash(_ context.Context, uri string) (string, error) {
	s.mu.RLock()
	payload, ok := s.blobs[uri]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("archive blob %s: %w", uri, sentinel.ErrNotFound)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func (s *MemoryStore) Exists(_ context.Context, uri string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[uri]
	return ok, nil
}

// Put overwrites a blob's raw bytes directly, bypassing hashing.
func (s *MemoryStore) Put(uri string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[uri] = payload
}

// Get returns a copy of a blob's raw bytes, or nil when absent.
func (s *MemoryStore) Get(uri string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.blobs[uri]
	if !ok {
		return nil
	}
	return bytes.Clone(payload)
}
