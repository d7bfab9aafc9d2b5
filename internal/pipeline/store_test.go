package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// memStore is an in-memory StorageClient for pipeline tests
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return "https://store.test/" + key, nil
}

func (s *memStore) Download(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("failed to download %s: no such key", key)
	}
	return data, nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memStore) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://store.test/signed/" + key, nil
}

func (s *memStore) GetSignedUploadURL(ctx context.Context, key, contentType string, expiry time.Duration) (string, error) {
	return "https://store.test/upload/" + key, nil
}

func (s *memStore) GetPublicURL(key string) string { return "https://store.test/" + key }
