package cache

import (
	"context"
	"fmt"
	"time"
)

// ErrUnknownGeneration is returned when writing to a generation that was never opened,
// or that has since been deleted.
var ErrUnknownGeneration = fmt.Errorf("Unknown cache generation")

// CacheProvider stores response snapshots grouped in named generations.
// Each generation is an independent key space; keys are request identities
// (method and absolute URL) and values are serialized HTTP responses.
//
// Implementations must be thread-safe!
// Writes to the same key overwrite the previous value completely,
// a reader must never observe a partially written entry.
type CacheProvider interface {
	// Open creates the named generation if it does not exist yet.
	// Opening an existing generation leaves its entries untouched.
	Open(ctx context.Context, generation string) error
	// Generations returns the names of all generations in the store.
	Generations(ctx context.Context) ([]string, error)
	// Delete removes a generation together with all of its entries.
	// It returns false if there was no such generation.
	Delete(ctx context.Context, generation string) (bool, error)
	// Put stores an entry in the generation, replacing any entry with the same key.
	Put(ctx context.Context, generation string, entry CacheEntry) error
	// PutAll stores all entries in the generation, or none of them.
	PutAll(ctx context.Context, generation string, entries []CacheEntry) error
	// Match returns the entry stored under key in the generation.
	// The boolean is false on a miss; a miss is not an error.
	Match(ctx context.Context, generation, key string) (CacheEntry, bool, error)
	// Keys calls the given callback for each key in the generation.
	Keys(ctx context.Context, generation string, cb func(string)) error
	// Close releases resources held by the provider.
	Close() error
}

type CacheEntry struct {
	Key         string
	RequestedAt time.Time
	ReceivedAt  time.Time
	Bytes       []byte
}
