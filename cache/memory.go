package cache

import (
	"context"
	"sort"
	"sync"
)

type memCacheEntry struct {
	entry CacheEntry
}

// MemCache is a CacheProvider that keeps everything in process memory.
// Its contents do not survive a restart.
type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]map[string]memCacheEntry
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string]memCacheEntry),
	}
}

func (m MemCache) Open(ctx context.Context, generation string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[generation]; !ok {
		m.db[generation] = make(map[string]memCacheEntry)
	}
	return nil
}

func (m MemCache) Generations(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.db))
	for name := range m.db {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m MemCache) Delete(ctx context.Context, generation string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.db[generation]
	delete(m.db, generation)
	return ok, nil
}

func (m MemCache) Put(ctx context.Context, generation string, entry CacheEntry) error {
	return m.PutAll(ctx, generation, []CacheEntry{entry})
}

func (m MemCache) PutAll(ctx context.Context, generation string, entries []CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	gen, ok := m.db[generation]
	if !ok {
		return ErrUnknownGeneration
	}
	for _, e := range entries {
		// copy the bytes so later changes by the caller are not visible in the store
		e.Bytes = append([]byte(nil), e.Bytes...)
		gen[e.Key] = memCacheEntry{e}
	}
	return nil
}

func (m MemCache) Match(ctx context.Context, generation, key string) (CacheEntry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[generation][key]
	if !ok {
		return CacheEntry{}, false, nil
	}
	e := entry.entry
	e.Bytes = append([]byte(nil), e.Bytes...)
	return e, true, nil
}

func (m MemCache) Keys(ctx context.Context, generation string, cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db[generation]))
	for key := range m.db[generation] {
		keys = append(keys, key)
	}
	m.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemCache) Close() error {
	return nil
}
