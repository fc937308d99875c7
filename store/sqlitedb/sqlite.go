// Package sqlitedb provides a SQLite-backed record store.
package sqlitedb

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	policycache "github.com/wolfeidau/policy-cache"
	"github.com/wolfeidau/policy-cache/store"
)

//go:embed schema.sql
var schema string

// Store persists record collections in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens a SQLite store at path and applies the schema.
// Failures wrap store.ErrUnavailable.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: storage path is required", store.ErrUnavailable)
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite db: %w", store.ErrUnavailable, err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: ping sqlite db: %w", store.ErrUnavailable, err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: apply schema: %w", store.ErrUnavailable, err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Init registers the collection if it does not exist.
func (s *Store) Init(ctx context.Context, collection string) error {
	if strings.TrimSpace(collection) == "" {
		return fmt.Errorf("%w: collection name is required", store.ErrUnavailable)
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO collections (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		collection, s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: creating collection %q: %w", store.ErrUnavailable, collection, err)
	}
	return nil
}

// Upsert inserts or replaces one record.
func (s *Store) Upsert(ctx context.Context, collection string, rec policycache.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: %w", store.ErrWrite, policycache.ErrMissingID)
	}
	exists, err := s.hasCollection(ctx, collection)
	if err != nil {
		return fmt.Errorf("%w: %w", store.ErrWrite, err)
	}
	if !exists {
		return fmt.Errorf("%w: collection %q: %w", store.ErrWrite, collection, store.ErrNotFound)
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO records (collection, id, data, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		collection, rec.ID, []byte(rec.Data), s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: upserting %s/%s: %w", store.ErrWrite, collection, rec.ID, err)
	}
	return nil
}

// ListAll returns every record in the collection ordered by id.
func (s *Store) ListAll(ctx context.Context, collection string) ([]policycache.Record, error) {
	exists, err := s.hasCollection(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrRead, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: collection %q: %w", store.ErrRead, collection, store.ErrNotFound)
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, data FROM records WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %w", store.ErrRead, collection, err)
	}
	defer func() { _ = rows.Close() }()

	records := []policycache.Record{}
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("%w: scanning %s: %w", store.ErrRead, collection, err)
		}
		records = append(records, policycache.Record{ID: id, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing %s: %w", store.ErrRead, collection, err)
	}
	return records, nil
}

// Get returns a single record.
func (s *Store) Get(ctx context.Context, collection, id string) (policycache.Record, error) {
	var data []byte
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT data FROM records WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return policycache.Record{}, store.ErrNotFound
	}
	if err != nil {
		return policycache.Record{}, fmt.Errorf("%w: getting %s/%s: %w", store.ErrRead, collection, id, err)
	}
	return policycache.Record{ID: id, Data: data}, nil
}

// Count returns the number of records in the collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	exists, err := s.hasCollection(ctx, collection)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", store.ErrRead, err)
	}
	if !exists {
		return 0, fmt.Errorf("%w: collection %q: %w", store.ErrRead, collection, store.ErrNotFound)
	}

	var n int
	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ?`, collection,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: counting %s: %w", store.ErrRead, collection, err)
	}
	return n, nil
}

func (s *Store) hasCollection(ctx context.Context, collection string) (bool, error) {
	var one int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT 1 FROM collections WHERE name = ?`, collection,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

var _ store.Store = (*Store)(nil)
