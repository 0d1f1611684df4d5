package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new private in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	inMemory := filename == ""
	if inMemory {
		filename = fmt.Sprintf("file:netfirst-%s?mode=memory&cache=shared", uuid.NewString())
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	if inMemory {
		// the db lives as long as its last connection
		db.SetMaxOpenConns(1)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS generations (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			generation TEXT NOT NULL,
			key TEXT NOT NULL,
			requested_at INTEGER,
			received_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (generation, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("init sqlite cache: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Open(ctx context.Context, generation string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO generations (name, created_at) VALUES (?, ?)",
		generation, time.Now().Unix())
	return err
}

func (s SQLiteCache) Generations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM generations ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) Delete(ctx context.Context, generation string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE generation = ?", generation); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM generations WHERE name = ?", generation)
	if err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return deleted > 0, tx.Commit()
}

func (s SQLiteCache) Put(ctx context.Context, generation string, ce CacheEntry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(generation, key, requested_at, received_at, bytes)
		SELECT ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM generations WHERE name = ?)`,
		generation, ce.Key, ce.RequestedAt.UnixMilli(), ce.ReceivedAt.UnixMilli(), ce.Bytes, generation)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrUnknownGeneration
	}
	return nil
}

func (s SQLiteCache) PutAll(ctx context.Context, generation string, entries []CacheEntry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var exists int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM generations WHERE name = ?", generation).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrUnknownGeneration
	}
	for _, ce := range entries {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
			(generation, key, requested_at, received_at, bytes) VALUES (?, ?, ?, ?, ?)`,
			generation, ce.Key, ce.RequestedAt.UnixMilli(), ce.ReceivedAt.UnixMilli(), ce.Bytes)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s SQLiteCache) Match(ctx context.Context, generation, key string) (CacheEntry, bool, error) {
	var req, rec int64
	entry := CacheEntry{Key: key}
	err := s.db.QueryRowContext(ctx,
		"SELECT requested_at, received_at, bytes FROM entries WHERE generation = ? AND key = ?",
		generation, key).Scan(&req, &rec, &entry.Bytes)
	if err == sql.ErrNoRows {
		return CacheEntry{}, false, nil
	} else if err != nil {
		return CacheEntry{}, false, err
	}
	entry.RequestedAt = time.UnixMilli(req)
	entry.ReceivedAt = time.UnixMilli(rec)
	return entry, true, nil
}

func (s SQLiteCache) Keys(ctx context.Context, generation string, cb func(string)) error {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM entries WHERE generation = ? ORDER BY key", generation)
	if err != nil {
		return err
	}
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	// callbacks run after the rows are released, they may use the cache themselves
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}
