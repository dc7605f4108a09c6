// Package sqlite provides a SQLite-backed item store, keeping the offline
// replica and its metadata in a single database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cyp0633/davsync"

	_ "github.com/mattn/go-sqlite3"
)

// Store implements davsync.Store on top of a SQLite database. One database
// may host several calendars; the namespace column keeps them apart.
type Store struct {
	db        *sql.DB
	namespace string

	mu sync.Mutex
	tx *sql.Tx
}

// New opens (and if needed creates) the database at dbPath and prepares the
// schema. The namespace identifies the calendar within the database.
func New(dbPath, namespace string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db, namespace: namespace}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS items (
			namespace TEXT NOT NULL,
			uid TEXT NOT NULL,
			data BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (namespace, uid)
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (namespace, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_namespace ON items(namespace)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// querier returns the open batch transaction when one is active.
func (s *Store) querier() interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *Store) GetItem(ctx context.Context, uid string) (*davsync.Item, error) {
	var data []byte
	err := s.querier().QueryRowContext(ctx,
		`SELECT data FROM items WHERE namespace = ? AND uid = ?`,
		s.namespace, uid).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", davsync.ErrItemNotFound, uid)
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	return davsync.DecodeItem(data)
}

func (s *Store) GetItems(ctx context.Context) ([]*davsync.Item, error) {
	rows, err := s.querier().QueryContext(ctx,
		`SELECT data FROM items WHERE namespace = ?`, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []*davsync.Item
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		item, err := davsync.DecodeItem(data)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) AddItem(ctx context.Context, item *davsync.Item) error {
	return s.put(ctx, item)
}

func (s *Store) ModifyItem(ctx context.Context, item *davsync.Item) error {
	return s.put(ctx, item)
}

func (s *Store) put(ctx context.Context, item *davsync.Item) error {
	data, err := item.Encode()
	if err != nil {
		return err
	}
	_, err = s.querier().ExecContext(ctx,
		`INSERT INTO items (namespace, uid, data, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(namespace, uid) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		s.namespace, item.UID, data)
	if err != nil {
		return fmt.Errorf("store item: %w", err)
	}
	return nil
}

func (s *Store) DeleteItem(ctx context.Context, uid string) error {
	_, err := s.querier().ExecContext(ctx,
		`DELETE FROM items WHERE namespace = ? AND uid = ?`, s.namespace, uid)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.querier().QueryRowContext(ctx,
		`SELECT value FROM metadata WHERE namespace = ? AND key = ?`,
		s.namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query metadata: %w", err)
	}
	return value, nil
}

func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.querier().ExecContext(ctx,
		`INSERT INTO metadata (namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
		s.namespace, key, value)
	if err != nil {
		return fmt.Errorf("store metadata: %w", err)
	}
	return nil
}

func (s *Store) DeleteMetadata(ctx context.Context, key string) error {
	_, err := s.querier().ExecContext(ctx,
		`DELETE FROM metadata WHERE namespace = ? AND key = ?`, s.namespace, key)
	if err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return nil
}

func (s *Store) AllMetadata(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.querier().QueryContext(ctx,
		`SELECT key, value FROM metadata WHERE namespace = ? AND key LIKE ?`,
		s.namespace, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("query metadata: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

// BeginBatch opens a transaction so a sync round's writes land atomically.
func (s *Store) BeginBatch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	s.tx = tx
	return nil
}

// EndBatch commits the open transaction.
func (s *Store) EndBatch(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}
