package mock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/kiranshivaraju/chatrelay/internal/cache"
)

type entry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// MemoryCache satisfies cache.Cache in memory for testing. Expiry follows Now,
// so tests can move time forward without sleeping.
type MemoryCache struct {
	mu       sync.Mutex
	entries  map[string]entry
	versions map[string]int64

	Now func() time.Time
	// GetErr, when set, is returned by every Get.
	GetErr error
	// BeforeSetIfVersion runs before a versioned write is evaluated.
	BeforeSetIfVersion func(key string)
}

var _ cache.Cache = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries:  map[string]entry{},
		versions: map[string]int64{},
		Now:      time.Now,
	}
}

func (m *MemoryCache) live(key string) (entry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && !m.Now().Before(e.expires) {
		delete(m.entries, key)
		return entry{}, false
	}
	return e, true
}

func (m *MemoryCache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.Now().Add(ttl)
}

func (m *MemoryCache) Ping(context.Context) error { return nil }

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{value: append([]byte(nil), value...), expires: m.expiry(ttl)}
	return nil
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	if m.GetErr != nil {
		return nil, false, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryCache) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		e = entry{value: []byte("0"), expires: m.expiry(window)}
	}
	n, _ := strconv.ParseInt(string(e.value), 10, 64)
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	m.entries[key] = e
	return n, nil
}

func (m *MemoryCache) Version(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[key], nil
}

func (m *MemoryCache) SetIfVersion(_ context.Context, key string, version int64, value []byte, ttl time.Duration) (bool, error) {
	if m.BeforeSetIfVersion != nil {
		m.BeforeSetIfVersion(key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.versions[key] != version {
		return false, nil
	}
	m.entries[key] = entry{value: append([]byte(nil), value...), expires: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryCache) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	m.versions[key]++
	return nil
}

// Has reports whether key currently holds a live entry.
func (m *MemoryCache) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(key)
	return ok
}
