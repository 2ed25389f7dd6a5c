package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tandem-ai/tandem/pkg/engine"
)

// SQLiteCacheBackend stores solution cache entries in the cache_entries
// table. Writes use INSERT OR IGNORE so the first stored payload wins.
type SQLiteCacheBackend struct {
	store *SQLiteStore
}

var _ engine.CacheBackend = (*SQLiteCacheBackend)(nil)

// CacheBackend returns a cache backend sharing the store's connection.
func (s *SQLiteStore) CacheBackend() *SQLiteCacheBackend {
	return &SQLiteCacheBackend{store: s}
}

func (b *SQLiteCacheBackend) Get(ctx context.Context, fingerprint string) (engine.CacheEntry, bool, error) {
	var e engine.CacheEntry
	var created int64
	err := b.store.db.QueryRowContext(ctx,
		`SELECT fingerprint, payload, approach, created_at FROM cache_entries WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&e.Fingerprint, &e.Payload, &e.Approach, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.CacheEntry{}, false, nil
	}
	if err != nil {
		return engine.CacheEntry{}, false, fmt.Errorf("failed to get cache entry: %w", err)
	}
	e.CreatedAt = fromNanos(created)
	return e, true, nil
}

func (b *SQLiteCacheBackend) PutIfAbsent(ctx context.Context, entry engine.CacheEntry) (bool, error) {
	result, err := b.store.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_entries (fingerprint, payload, approach, created_at) VALUES (?, ?, ?, ?)`,
		entry.Fingerprint, entry.Payload, entry.Approach, nanos(entry.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to store cache entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

func (b *SQLiteCacheBackend) Entries(ctx context.Context) ([]engine.CacheEntry, error) {
	rows, err := b.store.db.QueryContext(ctx,
		`SELECT fingerprint, payload, approach, created_at FROM cache_entries ORDER BY created_at ASC, fingerprint ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	entries := []engine.CacheEntry{}
	for rows.Next() {
		var e engine.CacheEntry
		var created int64
		if err := rows.Scan(&e.Fingerprint, &e.Payload, &e.Approach, &created); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		e.CreatedAt = fromNanos(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (b *SQLiteCacheBackend) Len(ctx context.Context) (int, error) {
	var n int
	if err := b.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return n, nil
}

func (b *SQLiteCacheBackend) Trim(ctx context.Context, max int) (int, error) {
	n, err := b.Len(ctx)
	if err != nil {
		return 0, err
	}
	excess := n - max
	if max <= 0 || excess <= 0 {
		return 0, nil
	}
	result, err := b.store.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE fingerprint IN (
			SELECT fingerprint FROM cache_entries
			ORDER BY created_at ASC, fingerprint ASC
			LIMIT ?
		)`, excess)
	if err != nil {
		return 0, fmt.Errorf("failed to trim cache: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

func (b *SQLiteCacheBackend) Clear(ctx context.Context) error {
	if _, err := b.store.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}
