package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStorage is an in-process StorageGateway used in mock mode and tests.
type MemoryStorage struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string][]byte
	deleted []string
}

func NewMemoryStorage(bucket string) *MemoryStorage {
	return &MemoryStorage{bucket: bucket, objects: make(map[string][]byte)}
}

func (m *MemoryStorage) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[ObjectKey(path)]
	return ok, nil
}

func (m *MemoryStorage) Put(ctx context.Context, path string, body io.Reader, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[ObjectKey(path)] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Get(ctx context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[ObjectKey(path)]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return bytes.Clone(data), nil
}

func (m *MemoryStorage) Delete(ctx context.Context, path string) error {
	key := ObjectKey(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *MemoryStorage) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = ObjectKey(prefix)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStorage) SignedReadURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	q := url.Values{}
	q.Set("expires", fmt.Sprint(time.Now().Add(ttl).Unix()))
	return fmt.Sprintf("memory://%s/%s?%s", m.bucket, ObjectKey(path), q.Encode()), nil
}

// Deleted lists every key passed to Delete, in call order.
func (m *MemoryStorage) Deleted() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.deleted...)
}
