package davsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Metadata keys used for calendar-level state.
const (
	metaCTag          = "ctag"
	metaSyncToken     = "webdav-sync-token"
	metaCalendarProps = "calendar-properties"

	itemMetaPrefix = "item/"
	recordSep      = "\x1A"
)

// ItemRecord tracks one calendar item's remote identity. The location path
// is the authoritative key for constructing the remote URI that mutates the
// item.
type ItemRecord struct {
	UID     string
	Etag    string
	Path    string // relative to the calendar URI
	IsNew   bool   // not yet round-tripped through the server; never persisted
	IsInbox bool
}

func (r *ItemRecord) marshal() string {
	inbox := "false"
	if r.IsInbox {
		inbox = "true"
	}
	return r.Etag + recordSep + r.Path + recordSep + inbox
}

func unmarshalRecord(uid, value string) (*ItemRecord, error) {
	parts := strings.Split(value, recordSep)
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed item metadata for %q", uid)
	}
	return &ItemRecord{
		UID:     uid,
		Etag:    parts[0],
		Path:    parts[1],
		IsInbox: parts[2] == "true",
	}, nil
}

// OfflineCache wraps the offline store collaborator. It owns translating
// item records and calendar-level metadata to and from opaque strings, and
// keeps the href index in lock-step with the records.
type OfflineCache struct {
	mu        sync.Mutex
	store     Store
	records   map[string]*ItemRecord // uid -> record
	hrefIndex map[string]string      // path -> uid
	logger    *slog.Logger
}

// NewOfflineCache creates a cache facade over the given store.
func NewOfflineCache(store Store, logger *slog.Logger) *OfflineCache {
	return &OfflineCache{
		store:     store,
		records:   make(map[string]*ItemRecord),
		hrefIndex: make(map[string]string),
		logger:    logger,
	}
}

// Load rebuilds the item records and the href index from persisted metadata.
func (c *OfflineCache) Load(ctx context.Context) error {
	meta, err := c.store.AllMetadata(ctx, itemMetaPrefix)
	if err != nil {
		return fmt.Errorf("failed to load item metadata: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.records = make(map[string]*ItemRecord, len(meta))
	c.hrefIndex = make(map[string]string, len(meta))
	for key, value := range meta {
		uid := strings.TrimPrefix(key, itemMetaPrefix)
		rec, err := unmarshalRecord(uid, value)
		if err != nil {
			c.logger.Warn("dropping malformed item metadata", "uid", uid)
			continue
		}
		c.records[uid] = rec
		if rec.Path != "" {
			c.hrefIndex[rec.Path] = uid
		}
	}

	c.logger.Debug("cache loaded", "records", len(c.records))
	return nil
}

// Record returns a copy of the item record for the given uid.
func (c *OfflineCache) Record(uid string) (ItemRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[uid]
	if !ok {
		return ItemRecord{}, false
	}
	return *rec, true
}

// RecordByPath returns a copy of the record owning the given remote path.
func (c *OfflineCache) RecordByPath(path string) (ItemRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	uid, ok := c.hrefIndex[path]
	if !ok {
		return ItemRecord{}, false
	}
	rec, ok := c.records[uid]
	if !ok {
		return ItemRecord{}, false
	}
	return *rec, true
}

// SetRecord persists an item record and updates the href index in lock-step.
func (c *OfflineCache) SetRecord(ctx context.Context, rec ItemRecord) error {
	if err := c.store.SetMetadata(ctx, itemMetaPrefix+rec.UID, rec.marshal()); err != nil {
		return fmt.Errorf("failed to persist item metadata: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.records[rec.UID]; ok && old.Path != rec.Path {
		delete(c.hrefIndex, old.Path)
	}
	stored := rec
	c.records[rec.UID] = &stored
	if rec.Path != "" {
		c.hrefIndex[rec.Path] = rec.UID
	}
	return nil
}

// DeleteRecord removes an item record and its href index entry.
func (c *OfflineCache) DeleteRecord(ctx context.Context, uid string) error {
	if err := c.store.DeleteMetadata(ctx, itemMetaPrefix+uid); err != nil {
		return fmt.Errorf("failed to delete item metadata: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[uid]; ok {
		delete(c.hrefIndex, rec.Path)
		delete(c.records, uid)
	}
	return nil
}

// Paths returns every remote path currently present in the href index.
func (c *OfflineCache) Paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	paths := make([]string, 0, len(c.hrefIndex))
	for path := range c.hrefIndex {
		paths = append(paths, path)
	}
	return paths
}

// CTag re-loads the cached collection change tag.
func (c *OfflineCache) CTag(ctx context.Context) (string, error) {
	return c.store.GetMetadata(ctx, metaCTag)
}

// SetCTag re-saves the collection change tag.
func (c *OfflineCache) SetCTag(ctx context.Context, ctag string) error {
	return c.store.SetMetadata(ctx, metaCTag, ctag)
}

// SyncToken re-loads the cached WebDAV-Sync token.
func (c *OfflineCache) SyncToken(ctx context.Context) (string, error) {
	return c.store.GetMetadata(ctx, metaSyncToken)
}

// SetSyncToken re-saves the WebDAV-Sync token. Callers must only invoke it
// after every change of the current delta has been applied.
func (c *OfflineCache) SetSyncToken(ctx context.Context, token string) error {
	if token == "" {
		return c.store.DeleteMetadata(ctx, metaSyncToken)
	}
	return c.store.SetMetadata(ctx, metaSyncToken, token)
}

// SaveEndpoint persists the serializable capability fields.
func (c *OfflineCache) SaveEndpoint(ctx context.Context, ep *Endpoint) error {
	blob, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("failed to serialize calendar properties: %w", err)
	}
	return c.store.SetMetadata(ctx, metaCalendarProps, string(blob))
}

// LoadEndpoint restores previously persisted capability fields, if any.
func (c *OfflineCache) LoadEndpoint(ctx context.Context) (*Endpoint, bool, error) {
	blob, err := c.store.GetMetadata(ctx, metaCalendarProps)
	if err != nil {
		return nil, false, err
	}
	if blob == "" {
		return nil, false, nil
	}
	var ep Endpoint
	if err := json.Unmarshal([]byte(blob), &ep); err != nil {
		return nil, false, fmt.Errorf("failed to parse calendar properties: %w", err)
	}
	return &ep, true, nil
}

// GetItem reads one item from the offline store.
func (c *OfflineCache) GetItem(ctx context.Context, uid string) (*Item, error) {
	return c.store.GetItem(ctx, uid)
}

// GetItems reads all items from the offline store.
func (c *OfflineCache) GetItems(ctx context.Context) ([]*Item, error) {
	return c.store.GetItems(ctx)
}

// UpsertItem writes an item into the offline store, adding or modifying
// according to whether the item was already round-tripped.
func (c *OfflineCache) UpsertItem(ctx context.Context, item *Item, isNew bool) error {
	if isNew {
		return c.store.AddItem(ctx, item)
	}
	return c.store.ModifyItem(ctx, item)
}

// DeleteItem removes an item and its record from the offline store.
func (c *OfflineCache) DeleteItem(ctx context.Context, uid string) error {
	if err := c.store.DeleteItem(ctx, uid); err != nil {
		return err
	}
	return c.DeleteRecord(ctx, uid)
}

// BeginBatch opens a bulk-write batch on the underlying store.
func (c *OfflineCache) BeginBatch(ctx context.Context) error {
	return c.store.BeginBatch(ctx)
}

// EndBatch closes a bulk-write batch on the underlying store.
func (c *OfflineCache) EndBatch(ctx context.Context) error {
	return c.store.EndBatch(ctx)
}
