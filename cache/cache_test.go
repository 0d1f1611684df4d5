package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]CacheProvider {
	t.Helper()
	mem, err := NewSQLiteCache("")
	require.NoError(t, err)
	file, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		mem.Close()
		file.Close()
	})
	return map[string]CacheProvider{
		"memory":        NewMemCache(),
		"sqlite-memory": mem,
		"sqlite-file":   file,
	}
}

func entry(key, body string) CacheEntry {
	now := time.Now().Truncate(time.Millisecond)
	return CacheEntry{Key: key, RequestedAt: now, ReceivedAt: now, Bytes: []byte(body)}
}

func TestPutAndMatch(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.Open(ctx, "v1"))
			require.NoError(t, p.Put(ctx, "v1", entry("GET:http://site/a", "first")))
			require.NoError(t, p.Put(ctx, "v1", entry("GET:http://site/a", "second")))

			got, ok, err := p.Match(ctx, "v1", "GET:http://site/a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "second", string(got.Bytes))

			_, ok, err = p.Match(ctx, "v1", "GET:http://site/missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestMatchedBytesAreACopy(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.Open(ctx, "v1"))
			require.NoError(t, p.Put(ctx, "v1", entry("GET:http://site/a", "stored")))

			got, ok, err := p.Match(ctx, "v1", "GET:http://site/a")
			require.NoError(t, err)
			require.True(t, ok)
			copy(got.Bytes, "XXXXXX")

			again, _, err := p.Match(ctx, "v1", "GET:http://site/a")
			require.NoError(t, err)
			assert.Equal(t, "stored", string(again.Bytes))
		})
	}
}

func TestGenerationsAreIsolated(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.Open(ctx, "v1"))
			require.NoError(t, p.Open(ctx, "v2"))
			require.NoError(t, p.Put(ctx, "v1", entry("GET:http://site/", "old")))

			_, ok, err := p.Match(ctx, "v2", "GET:http://site/")
			require.NoError(t, err)
			assert.False(t, ok)

			names, err := p.Generations(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"v1", "v2"}, names)
		})
	}
}

func TestOpenKeepsEntries(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.Open(ctx, "v1"))
			require.NoError(t, p.Put(ctx, "v1", entry("GET:http://site/", "kept")))
			require.NoError(t, p.Open(ctx, "v1"))

			_, ok, err := p.Match(ctx, "v1", "GET:http://site/")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestDeleteRemovesEntries(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.Open(ctx, "v1"))
			require.NoError(t, p.Put(ctx, "v1", entry("GET:http://site/", "gone")))

			deleted, err := p.Delete(ctx, "v1")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = p.Delete(ctx, "v1")
			require.NoError(t, err)
			assert.False(t, deleted)

			names, err := p.Generations(ctx)
			require.NoError(t, err)
			assert.Empty(t, names)

			// the generation has to be opened again before it can be written to
			err = p.Put(ctx, "v1", entry("GET:http://site/", "again"))
			assert.ErrorIs(t, err, ErrUnknownGeneration)
			_, ok, err := p.Match(ctx, "v1", "GET:http://site/")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestPutAllUnknownGenerationWritesNothing(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			err := p.PutAll(ctx, "nope", []CacheEntry{entry("GET:http://site/a", "a")})
			assert.ErrorIs(t, err, ErrUnknownGeneration)

			names, err := p.Generations(ctx)
			require.NoError(t, err)
			assert.Empty(t, names)
		})
	}
}

func TestKeys(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.Open(ctx, "v1"))
			require.NoError(t, p.PutAll(ctx, "v1", []CacheEntry{
				entry("GET:http://site/b", "b"),
				entry("GET:http://site/a", "a"),
			}))
			var keys []string
			require.NoError(t, p.Keys(ctx, "v1", func(k string) { keys = append(keys, k) }))
			assert.Equal(t, []string{"GET:http://site/a", "GET:http://site/b"}, keys)
		})
	}
}

func TestConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.Open(ctx, "v1"))
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					// half the writers share one key, the others use their own
					key := "GET:http://site/shared"
					if i%2 == 1 {
						key = fmt.Sprintf("GET:http://site/%d", i)
					}
					assert.NoError(t, p.Put(ctx, "v1", entry(key, "same content")))
					_, _, err := p.Match(ctx, "v1", key)
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			got, ok, err := p.Match(ctx, "v1", "GET:http://site/shared")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "same content", string(got.Bytes))

			count := 0
			require.NoError(t, p.Keys(ctx, "v1", func(string) { count++ }))
			assert.Equal(t, 11, count)
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	filename := filepath.Join(t.TempDir(), "cache.db")
	first, err := NewSQLiteCache(filename)
	require.NoError(t, err)
	require.NoError(t, first.Open(ctx, "v1"))
	require.NoError(t, first.Put(ctx, "v1", entry("GET:http://site/", "durable")))
	require.NoError(t, first.Close())

	second, err := NewSQLiteCache(filename)
	require.NoError(t, err)
	defer second.Close()
	got, ok, err := second.Match(ctx, "v1", "GET:http://site/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "durable", string(got.Bytes))
}
