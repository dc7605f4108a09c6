// Package memory provides an in-memory item store, suitable for tests and
// for calendars that do not need persistence across restarts.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cyp0633/davsync"
)

// Store implements davsync.Store entirely in memory.
type Store struct {
	mu       sync.RWMutex
	items    map[string][]byte
	metadata map[string]string
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		items:    make(map[string][]byte),
		metadata: make(map[string]string),
	}
}

func (s *Store) GetItem(_ context.Context, uid string) (*davsync.Item, error) {
	s.mu.RLock()
	data, ok := s.items[uid]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", davsync.ErrItemNotFound, uid)
	}
	return davsync.DecodeItem(data)
}

func (s *Store) GetItems(_ context.Context) ([]*davsync.Item, error) {
	s.mu.RLock()
	raw := make([][]byte, 0, len(s.items))
	for _, data := range s.items {
		raw = append(raw, data)
	}
	s.mu.RUnlock()

	items := make([]*davsync.Item, 0, len(raw))
	for _, data := range raw {
		item, err := davsync.DecodeItem(data)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Store) AddItem(_ context.Context, item *davsync.Item) error {
	return s.put(item)
}

func (s *Store) ModifyItem(_ context.Context, item *davsync.Item) error {
	return s.put(item)
}

func (s *Store) put(item *davsync.Item) error {
	data, err := item.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.items[item.UID] = data
	s.mu.Unlock()
	return nil
}

func (s *Store) DeleteItem(_ context.Context, uid string) error {
	s.mu.Lock()
	delete(s.items, uid)
	s.mu.Unlock()
	return nil
}

func (s *Store) GetMetadata(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadata[key], nil
}

func (s *Store) SetMetadata(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
	return nil
}

func (s *Store) DeleteMetadata(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.metadata, key)
	s.mu.Unlock()
	return nil
}

func (s *Store) AllMetadata(_ context.Context, prefix string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string)
	for key, value := range s.metadata {
		if strings.HasPrefix(key, prefix) {
			out[key] = value
		}
	}
	return out, nil
}

func (s *Store) BeginBatch(_ context.Context) error { return nil }
func (s *Store) EndBatch(_ context.Context) error   { return nil }
