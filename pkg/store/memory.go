package store

import (
	"context"
	"sync"
	"time"

	cache_pkg "github.com/patrickmn/go-cache"
)

// MemoryBackend implements Backend in process. It gives a single node the same
// cache and counter semantics as Redis without a network hop.
type MemoryBackend struct {
	client *cache_pkg.Cache
	// serializes the add-or-increment pair in IncrWithExpiry
	incrMu sync.Mutex
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		client: cache_pkg.New(5*time.Minute, 10*time.Minute),
	}
}

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	v, ok := m.client.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, nil
	}
	return b, true, nil
}

func (m *MemoryBackend) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	m.client.Set(key, buf, ttl)
	return nil
}

func (m *MemoryBackend) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.incrMu.Lock()
	defer m.incrMu.Unlock()

	if err := m.client.Add(key, int64(1), window); err == nil {
		return 1, nil
	}
	n, err := m.client.IncrementInt64(key, 1)
	if err != nil {
		// expired between Add and Increment
		m.client.Set(key, int64(1), window)
		return 1, nil
	}
	return n, nil
}

func (m *MemoryBackend) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryBackend) Close() error {
	m.client.Flush()
	return nil
}
