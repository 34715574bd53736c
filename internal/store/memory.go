package store

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

type entry struct {
	scalar    []byte
	list      [][]byte
	set       map[string]struct{}
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is the in-process fallback used when no Redis address is
// configured, grounded on the teacher's store.NewMemoryStore/MemoryMode.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*entry)}
}

func (m *MemoryStore) get(key string) (*entry, bool) {
	e, ok := m.data[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(m.data, key)
		return nil, false
	}
	return e, true
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok || e.scalar == nil {
		return nil, ErrNotFound
	}
	return e.scalar, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = &entry{scalar: val, expiresAt: expiryOf(ttl)}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok {
		return nil
	}
	e.expiresAt = expiryOf(ttl)
	return nil
}

func (m *MemoryStore) ListAppend(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok {
		e = &entry{}
		m.data[key] = e
	}
	e.list = append(e.list, val)
	e.expiresAt = expiryOf(ttl)
	return nil
}

func (m *MemoryStore) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok {
		return nil, nil
	}
	n := int64(len(e.list))
	s, e2 := clampRange(start, stop, n)
	if s > e2 {
		return nil, nil
	}
	out := make([][]byte, e2-s)
	copy(out, e.list[s:e2])
	return out, nil
}

func (m *MemoryStore) ListTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok {
		return nil
	}
	n := int64(len(e.list))
	s, e2 := clampRange(start, stop, n)
	if s > e2 {
		e.list = nil
		return nil
	}
	e.list = append([][]byte{}, e.list[s:e2]...)
	return nil
}

func (m *MemoryStore) SetAdd(ctx context.Context, key string, member string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok {
		e = &entry{set: make(map[string]struct{})}
		m.data[key] = e
	}
	if e.set == nil {
		e.set = make(map[string]struct{})
	}
	e.set[member] = struct{}{}
	e.expiresAt = expiryOf(ttl)
	return nil
}

func (m *MemoryStore) SetRem(ctx context.Context, key string, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok || e.set == nil {
		return nil
	}
	delete(e.set, member)
	return nil
}

func (m *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok || e.set == nil {
		return nil, nil
	}
	out := make([]string, 0, len(e.set))
	for k := range e.set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) SetSize(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok || e.set == nil {
		return 0, nil
	}
	return int64(len(e.set)), nil
}

func (m *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []string
	for k, e := range m.data {
		if e.expired(now) {
			delete(m.data, k)
			continue
		}
		if ok, _ := filepath.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func expiryOf(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func clampRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
		if start < 0 {
			start = 0
		}
	}
	if stop < 0 {
		stop += n
	}
	if stop >= n {
		stop = n - 1
	}
	if stop < 0 || n == 0 || start > stop {
		return 0, 0
	}
	return start, stop + 1
}
