package davsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/cyp0633/davsync/internal/xml"
)

// Synchronize refreshes the offline cache from the server. It ensures
// capabilities are known, picks the cheapest sync strategy the server
// supports, reconciles the result and settles post-round work (pending
// queries, inbox polling).
func (c *Calendar) Synchronize(ctx context.Context) error {
	ep := c.ep()
	if ep.Disabled {
		return ErrDisabled
	}
	if !ep.Checked {
		if err := c.discover(ctx); err != nil {
			return err
		}
		ep = c.ep()
	}

	var err error
	if ep.SyncSupported {
		err = c.syncWithToken(ctx, ep)
	} else {
		err = c.syncWithCTag(ctx, ep)
	}
	if err != nil {
		if statusOf(err) == 404 {
			// The collection is gone; the endpoint is no longer usable.
			c.disable(ctx)
		}
		c.observer.OnError(err)
		return err
	}

	c.pending.drain(ctx)

	if ep.SchedulingEnabled() && !ep.IsInbox && !ep.InboxPollDisabled && ep.Inbox != "" && c.firstInRealm() {
		if pollErr := c.PollInbox(ctx); pollErr != nil {
			c.logger.Warn("inbox poll failed", "error", pollErr)
		}
	}
	return nil
}

func (c *Calendar) disable(ctx context.Context) {
	c.updateEndpoint(func(ep *Endpoint) {
		ep.ReadOnly = true
		ep.Disabled = true
	})
	if err := c.cache.SaveEndpoint(ctx, c.ep()); err != nil {
		c.logger.Warn("failed to persist calendar properties", "error", err)
	}
}

// syncWithToken performs a WebDAV-Sync delta fetch. The new sync-token is
// stored only after every returned change has been applied, so a partial
// failure can be retried from the prior token without data loss.
func (c *Calendar) syncWithToken(ctx context.Context, ep *Endpoint) error {
	token, err := c.cache.SyncToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sync token: %w", err)
	}
	if err := c.applySyncDelta(ctx, token); err != nil {
		if statusOf(err) == 410 {
			// Token expired on the server; restart from scratch.
			c.logger.Debug("sync token expired, requesting full delta")
			if err := c.cache.SetSyncToken(ctx, ""); err != nil {
				return err
			}
			return c.applySyncDelta(ctx, "")
		}
		return err
	}
	return nil
}

func (c *Calendar) applySyncDelta(ctx context.Context, token string) error {
	request := xml.SyncCollectionRequest{
		SyncToken: token,
		SyncLevel: "1",
		Prop:      []string{"getetag", "calendar-data"},
	}
	body, err := request.ToXML().WriteToBytes()
	if err != nil {
		return fmt.Errorf("failed to serialize sync-collection request: %w", err)
	}

	ms, err := c.http.DoREPORT(ctx, c.uri, 1, body)
	if err != nil {
		return err
	}

	calPath := relativePath(c.uri)
	var toFetch []string

	if err := c.cache.BeginBatch(ctx); err != nil {
		return err
	}
	defer c.cache.EndBatch(ctx)

	for i := range ms.Responses {
		resp := &ms.Responses[i]
		path := relativePath(resp.Href)
		if pathsEqual(path, calPath) {
			continue
		}

		if resp.Removed() {
			if rec, ok := c.cache.RecordByPath(path); ok {
				if err := c.cache.DeleteItem(ctx, rec.UID); err != nil {
					return err
				}
				c.observer.OnItemDeleted(rec.UID)
			}
			continue
		}

		if !resp.OK() {
			continue
		}

		etag, hasEtag := resp.PropText("getetag").Get()
		if !hasEtag {
			continue
		}
		if rec, ok := c.cache.RecordByPath(path); ok && rec.Etag == etag {
			continue
		}

		if data, ok := resp.PropText("calendar-data").Get(); ok && data != "" {
			if err := c.reconcile(ctx, path, etag, []byte(data), false); err != nil {
				return err
			}
		} else {
			toFetch = append(toFetch, resp.Href)
		}
	}

	if len(toFetch) > 0 {
		if err := c.multigetFetch(ctx, c.uri, toFetch, false); err != nil {
			return err
		}
	}

	// All changes applied; only now adopt the continuation token.
	if ms.SyncToken != "" {
		if err := c.cache.SetSyncToken(ctx, ms.SyncToken); err != nil {
			return fmt.Errorf("failed to store sync token: %w", err)
		}
	}

	c.logger.Debug("delta sync complete",
		"responses", len(ms.Responses),
		"fetched", len(toFetch))
	return nil
}

// syncWithCTag performs the CTag-gated conditional refresh: a shallow probe
// short-circuits the round when the collection is unchanged; otherwise a
// full listing runs and the new tag is adopted only after it succeeds.
func (c *Calendar) syncWithCTag(ctx context.Context, ep *Endpoint) error {
	cached, err := c.cache.CTag(ctx)
	if err != nil {
		return fmt.Errorf("failed to load ctag: %w", err)
	}

	if cached != "" {
		res, err := c.http.DoPROPFIND(ctx, c.uri, 0, "getctag")
		if err != nil {
			return err
		}
		if first, ok := res.MS.First().Get(); ok {
			if remote, ok := first.PropText("getctag").Get(); ok && remote == cached {
				c.logger.Debug("collection unchanged", "ctag", cached)
				return nil
			}
		}
	}

	newCTag, err := c.refreshCollection(ctx, c.uri, false)
	if err != nil {
		return err
	}
	if newCTag != "" {
		if err := c.cache.SetCTag(ctx, newCTag); err != nil {
			return fmt.Errorf("failed to store ctag: %w", err)
		}
	}
	return nil
}

// refreshCollection performs a depth-1 listing of the collection, fetches
// changed or new entries in one batched multiget, and purges cached items
// the listing no longer mentions. It returns the collection's change tag
// as observed in the listing. The same machinery serves both the calendar
// collection and the scheduling inbox.
func (c *Calendar) refreshCollection(ctx context.Context, baseURI string, inbox bool) (string, error) {
	res, err := c.http.DoPROPFIND(ctx, baseURI, 1,
		"getcontenttype", "resourcetype", "getetag", "getctag")
	if err != nil {
		return "", err
	}

	basePath := relativePath(baseURI)
	var newCTag string
	seen := make(map[string]bool)
	var toFetch []string

	for i := range res.MS.Responses {
		resp := &res.MS.Responses[i]
		path := relativePath(resp.Href)

		if pathsEqual(path, basePath) {
			if ctag, ok := resp.PropText("getctag").Get(); ok {
				newCTag = ctag
			}
			continue
		}
		if resp.IsCollection() || resp.IsCalendar() {
			continue
		}
		if ctype, ok := resp.PropText("getcontenttype").Get(); ok && !strings.Contains(ctype, "text/calendar") {
			continue
		}

		etag, hasEtag := resp.PropText("getetag").Get()
		if !hasEtag {
			continue
		}

		seen[path] = true
		if rec, ok := c.cache.RecordByPath(path); ok && rec.Etag == etag {
			continue
		}
		toFetch = append(toFetch, resp.Href)
	}

	if err := c.cache.BeginBatch(ctx); err != nil {
		return "", err
	}
	defer c.cache.EndBatch(ctx)

	if len(toFetch) > 0 {
		if err := c.multigetFetch(ctx, baseURI, toFetch, inbox); err != nil {
			return "", err
		}
	}

	// Purge cached items the listing no longer mentions. The slash keeps
	// sibling collections sharing the name prefix out of the comparison.
	collectionPrefix := strings.TrimSuffix(basePath, "/") + "/"
	for _, path := range c.cache.Paths() {
		if seen[path] {
			continue
		}
		rec, ok := c.cache.RecordByPath(path)
		if !ok || rec.IsInbox != inbox {
			continue
		}
		if !strings.HasPrefix(path, collectionPrefix) {
			continue
		}
		if err := c.cache.DeleteItem(ctx, rec.UID); err != nil {
			return "", err
		}
		c.observer.OnItemDeleted(rec.UID)
	}

	c.logger.Debug("listing refresh complete",
		"base", baseURI,
		"listed", len(seen),
		"fetched", len(toFetch))
	return newCTag, nil
}

// multigetFetch retrieves the named resources in a single batched REPORT
// rather than N individual GETs, and reconciles each into the cache.
func (c *Calendar) multigetFetch(ctx context.Context, baseURI string, hrefs []string, inbox bool) error {
	request := xml.CalendarMultigetRequest{
		Prop:  []string{"getetag", "calendar-data"},
		Hrefs: hrefs,
	}
	body, err := request.ToXML().WriteToBytes()
	if err != nil {
		return fmt.Errorf("failed to serialize multiget request: %w", err)
	}

	ms, err := c.http.DoREPORT(ctx, baseURI, 1, body)
	if err != nil {
		return err
	}

	for i := range ms.Responses {
		resp := &ms.Responses[i]
		if !resp.OK() {
			continue
		}
		data, ok := resp.PropText("calendar-data").Get()
		if !ok || data == "" {
			continue
		}
		etag, _ := resp.PropText("getetag").Get()
		if err := c.reconcile(ctx, relativePath(resp.Href), etag, []byte(data), inbox); err != nil {
			return err
		}
	}
	return nil
}

// reconcile applies one fetched resource to the offline cache: iTIP REPLY
// payloads detour into the scheduling subsystem, a UID collision on a
// reused path purges the old entry first, and the href index and item
// record are updated together with the store write.
func (c *Calendar) reconcile(ctx context.Context, path, etag string, data []byte, inbox bool) error {
	item, err := DecodeItem(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	if item.IsReply() {
		return c.processReply(ctx, item, path, etag)
	}

	// Same path, different UID: the server replaced the resource.
	if rec, ok := c.cache.RecordByPath(path); ok && rec.UID != item.UID {
		if err := c.cache.DeleteItem(ctx, rec.UID); err != nil {
			return err
		}
		c.observer.OnItemDeleted(rec.UID)
	}

	existing, hadRecord := c.cache.Record(item.UID)
	isNew := !hadRecord || existing.IsNew

	if err := c.cache.UpsertItem(ctx, item, isNew); err != nil {
		return err
	}
	if err := c.cache.SetRecord(ctx, ItemRecord{
		UID:     item.UID,
		Etag:    etag,
		Path:    path,
		IsInbox: inbox,
	}); err != nil {
		return err
	}

	if isNew {
		c.observer.OnItemAdded(item)
	} else {
		c.observer.OnItemModified(item)
	}
	return nil
}
