package blob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type memoryObject struct {
	body     []byte
	mimeType string
	meta     map[string]string
}

// MemoryStore keeps bodies in process. Used by BLOB_DRIVER=memory and tests; failures can
// be injected per operation.
type MemoryStore struct {
	bucket  string
	objects *xsync.MapOf[string, memoryObject]

	mu        sync.Mutex
	putErr    error
	deleteErr error
	existsErr error
}

func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{bucket: bucket, objects: xsync.NewMapOf[string, memoryObject]()}
}

func (m *MemoryStore) Bucket() string { return m.bucket }

// FailPut makes the next Put calls return err until reset with nil.
func (m *MemoryStore) FailPut(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putErr = err
}

func (m *MemoryStore) FailDelete(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

func (m *MemoryStore) FailExists(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existsErr = err
}

func (m *MemoryStore) injected(which *error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *which
}

func (m *MemoryStore) Put(ctx context.Context, in PutInput) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	if err := m.injected(&m.putErr); err != nil {
		return Object{}, err
	}
	body := append([]byte(nil), in.Body...)
	m.objects.Store(in.Key, memoryObject{body: body, mimeType: in.MimeType, meta: objectMetadata(in, time.Now())})
	return Object{Key: in.Key, Bucket: m.bucket, URL: "memory://" + m.bucket + "/" + in.Key}, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.injected(&m.deleteErr); err != nil {
		return err
	}
	m.objects.Delete(key)
	return nil
}

func (m *MemoryStore) Presign(_ context.Context, key string, ttl time.Duration) (string, error) {
	if _, ok := m.objects.Load(key); !ok {
		return "", fmt.Errorf("memory presign %s: no such key", key)
	}
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	return fmt.Sprintf("memory://%s/%s?expires=%d", m.bucket, key, int(ttl.Seconds())), nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	if err := m.injected(&m.existsErr); err != nil {
		return false, err
	}
	_, ok := m.objects.Load(key)
	return ok, nil
}

// Metadata returns the stored object metadata, for tests.
func (m *MemoryStore) Metadata(key string) (map[string]string, bool) {
	obj, ok := m.objects.Load(key)
	if !ok {
		return nil, false
	}
	return obj.meta, true
}

// Len reports how many objects are stored.
func (m *MemoryStore) Len() int {
	return m.objects.Size()
}
