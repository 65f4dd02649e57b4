package objectstore

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"
)

// MemoryStore implements ObjectStore using an in-memory map, keyed by
// bucket+key. Useful for pipeline tests that need a stand-in object store
// without a real MinIO/S3 endpoint.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*memObject
}

type memObject struct {
	data  []byte
	attrs ObjectAttrs
}

// NewMemoryStore creates an in-memory ObjectStore for testing.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]*memObject),
	}
}

func compositeKey(bucket, key string) string {
	return bucket + "/" + key
}

// Put seeds the store with an object, for use by tests that need to prime
// a fixture before exercising a fetch path.
func (m *MemoryStore) Put(bucket, key string, data []byte, contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)

	m.objects[compositeKey(bucket, key)] = &memObject{
		data: cp,
		attrs: ObjectAttrs{
			Key:          key,
			Size:         int64(len(cp)),
			ETag:         "\"" + key + "-etag\"",
			LastModified: time.Now().UTC(),
			ContentType:  contentType,
		},
	}
}

// Get retrieves an object by bucket and key.
func (m *MemoryStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectAttrs, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[compositeKey(bucket, key)]
	if !ok {
		return nil, ObjectAttrs{}, ErrNotFound
	}

	return io.NopCloser(bytes.NewReader(obj.data)), obj.attrs, nil
}

// Head returns object metadata without downloading content.
func (m *MemoryStore) Head(ctx context.Context, bucket, key string) (ObjectAttrs, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[compositeKey(bucket, key)]
	if !ok {
		return ObjectAttrs{}, ErrNotFound
	}

	return obj.attrs, nil
}

// Ping always succeeds for the memory store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Ensure MemoryStore implements ObjectStore.
var _ ObjectStore = (*MemoryStore)(nil)
