package davsync

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/cyp0633/davsync/internal/httpclient"
)

// ConflictDecision is the outcome of resolving an ETag precondition
// conflict between a local mutation and a concurrent server-side change.
type ConflictDecision int

const (
	// AcceptServer discards the local change and adopts the server's
	// version of the item into the cache.
	AcceptServer ConflictDecision = iota

	// OverwriteServer retries the mutation unconditionally, replacing
	// whatever the server holds.
	OverwriteServer
)

// ConflictResolver decides what happens when a mutation hits a 409 or 412:
// the item on the server changed after the local copy was read. Resolve is
// called at most once per mutation.
type ConflictResolver interface {
	Resolve(item *Item, op OperationType) ConflictDecision
}

// AcceptServerResolver always yields to the server's version.
type AcceptServerResolver struct{}

func (AcceptServerResolver) Resolve(_ *Item, _ OperationType) ConflictDecision {
	return AcceptServer
}

// mutationAllowed runs the shared mutation preamble: discovery must have
// completed and the endpoint must accept writes.
func (c *Calendar) mutationAllowed(ctx context.Context) (*Endpoint, error) {
	if err := c.ensureDiscovered(ctx); err != nil {
		return nil, err
	}
	ep := c.ep()
	if ep.Disabled {
		return nil, ErrDisabled
	}
	if ep.ReadOnly {
		return nil, ErrReadOnly
	}
	return ep, nil
}

// mutationFailed classifies a hard (non-transient) mutation failure. An
// endpoint operated without a local replica cannot paper over hard write
// failures, so it gets disabled.
func (c *Calendar) mutationFailed(ctx context.Context, err error) error {
	if !transient(err) && c.cfg.Uncached {
		c.disable(ctx)
	}
	c.observer.OnError(err)
	return err
}

// addItem stores a new item on the server with a creation guard: the PUT
// carries If-None-Match: * so a concurrent resource at the same path makes
// the request fail instead of silently overwriting it. On success the item
// is re-fetched to learn the authoritative ETag and normalized form.
func (c *Calendar) addItem(ctx context.Context, item *Item, hasListener bool) (any, error) {
	if item == nil || item.UID == "" {
		return nil, fmt.Errorf("item with a UID is required")
	}

	ep, err := c.mutationAllowed(ctx)
	if err != nil {
		return nil, err
	}
	comp := item.Component()
	if comp == nil {
		return nil, fmt.Errorf("item %s has no calendar component", item.UID)
	}
	if !ep.SupportsComponent(comp.Name) {
		return nil, fmt.Errorf("server does not serve %s components", comp.Name)
	}

	data, err := item.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode item: %w", err)
	}

	path := c.itemPath(item.UID)
	etag, status, err := c.http.DoPUT(ctx, path, data, "", true)
	if err != nil {
		return nil, c.mutationFailed(ctx, err)
	}

	switch {
	case status >= 200 && status < 300:
		// The write stuck; record it as new before settling so an
		// interrupted follow-up fetch still surfaces the item as an
		// addition on the next sync.
		if err := c.cache.SetRecord(ctx, ItemRecord{UID: item.UID, Path: path, IsNew: true}); err != nil {
			return nil, err
		}
		return c.settleMutation(ctx, path, etag, "", hasListener)
	case status == 412:
		// A resource already exists at the target path.
		return nil, c.mutationFailed(ctx, fmt.Errorf("%w: item %s already exists", ErrPreconditionFailed, item.UID))
	default:
		return nil, c.mutationFailed(ctx, &httpclient.HTTPError{Code: status})
	}
}

// modifyItem replaces an existing item under an If-Match precondition tied
// to the cached ETag. A precondition conflict is handed to the resolver
// exactly once; the retried flag blocks a second round.
func (c *Calendar) modifyItem(ctx context.Context, item *Item, retried bool, hasListener bool) (any, error) {
	if item == nil || item.UID == "" {
		return nil, fmt.Errorf("item with a UID is required")
	}

	if _, err := c.mutationAllowed(ctx); err != nil {
		return nil, err
	}

	rec, ok := c.cache.Record(item.UID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, item.UID)
	}

	data, err := item.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode item: %w", err)
	}

	// An inbox-held item gets written into the calendar collection; its
	// inbox copy is removed once the write sticks.
	targetPath := rec.Path
	ifMatch := rec.Etag
	inboxPath := ""
	if rec.IsInbox {
		targetPath = c.itemPath(item.UID)
		ifMatch = ""
		inboxPath = rec.Path
	}
	if retried {
		ifMatch = ""
	}
	etag, status, err := c.http.DoPUT(ctx, targetPath, data, ifMatch, false)
	if err != nil {
		return nil, c.mutationFailed(ctx, err)
	}

	switch {
	case status >= 200 && status < 300:
		if status == 201 && !rec.IsInbox {
			// Some servers answer 201 for a replacing PUT.
			c.logger.Warn("server reported creation for a modification", "uid", item.UID)
		}
		return c.settleMutation(ctx, targetPath, etag, inboxPath, hasListener)
	case status == 409 || status == 412:
		if retried {
			return nil, c.mutationFailed(ctx, fmt.Errorf("%w: %s", ErrPreconditionFailed, item.UID))
		}
		return c.resolveModifyConflict(ctx, item, rec, hasListener)
	default:
		return nil, c.mutationFailed(ctx, &httpclient.HTTPError{Code: status})
	}
}

func (c *Calendar) resolveModifyConflict(ctx context.Context, item *Item, rec ItemRecord, hasListener bool) (any, error) {
	switch c.resolver.Resolve(item, OpModify) {
	case OverwriteServer:
		c.logger.Debug("conflict resolved by overwriting server", "uid", item.UID)
		return c.modifyItem(ctx, item, true, hasListener)
	default:
		c.logger.Debug("conflict resolved by accepting server", "uid", item.UID)
		server, err := c.fetchIntoCache(ctx, rec.Path, rec.IsInbox)
		if err != nil {
			return nil, c.mutationFailed(ctx, err)
		}
		return server, nil
	}
}

// deleteItem removes an item from the server under an If-Match
// precondition. A missing resource counts as success; the intent was its
// absence. A precondition conflict is disambiguated with a HEAD first,
// because a 412 can mean either "changed" or "already gone".
func (c *Calendar) deleteItem(ctx context.Context, uid string, retried bool) error {
	if _, err := c.mutationAllowed(ctx); err != nil {
		return err
	}

	rec, ok := c.cache.Record(uid)
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, uid)
	}

	ifMatch := rec.Etag
	if retried {
		ifMatch = ""
	}
	status, err := c.http.DoDELETE(ctx, rec.Path, ifMatch)
	if err != nil {
		return c.mutationFailed(ctx, err)
	}

	switch {
	case status >= 200 && status < 300, status == 404:
		return c.purgeItem(ctx, uid)
	case status == 409 || status == 412:
		if retried {
			return c.mutationFailed(ctx, fmt.Errorf("%w: %s", ErrPreconditionFailed, uid))
		}

		headStatus, err := c.http.DoHEAD(ctx, rec.Path)
		if err != nil {
			return c.mutationFailed(ctx, err)
		}
		if headStatus == 404 {
			return c.purgeItem(ctx, uid)
		}

		item, _ := c.cache.GetItem(ctx, uid)
		switch c.resolver.Resolve(item, OpDelete) {
		case OverwriteServer:
			c.logger.Debug("delete conflict resolved by deleting anyway", "uid", uid)
			return c.deleteItem(ctx, uid, true)
		default:
			c.logger.Debug("delete conflict resolved by keeping server version", "uid", uid)
			if _, err := c.fetchIntoCache(ctx, rec.Path, rec.IsInbox); err != nil {
				return c.mutationFailed(ctx, err)
			}
			return fmt.Errorf("%w: %s", ErrPreconditionFailed, uid)
		}
	default:
		return c.mutationFailed(ctx, &httpclient.HTTPError{Code: status})
	}
}

func (c *Calendar) purgeItem(ctx context.Context, uid string) error {
	if err := c.cache.DeleteItem(ctx, uid); err != nil {
		return err
	}
	c.observer.OnItemDeleted(uid)
	return nil
}

// settleMutation reconciles a successful PUT into the cache. The stored
// resource is always re-fetched: servers may rewrite the payload on store,
// so neither the uploaded bytes nor the echoed ETag are authoritative.
// When a completion listener is attached the caller owns the store write
// and the fetched item is handed back instead.
func (c *Calendar) settleMutation(ctx context.Context, path, putEtag, inboxPath string, hasListener bool) (any, error) {
	data, etag, status, err := c.http.DoGET(ctx, path)
	if err != nil {
		return nil, err
	}
	if status != 200 {
		return nil, &httpclient.HTTPError{Code: status}
	}
	fetched, err := DecodeItem(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if etag == "" {
		etag = putEtag
	}

	existing, hadRecord := c.cache.Record(fetched.UID)
	isNew := !hadRecord || existing.IsNew

	if err := c.cache.SetRecord(ctx, ItemRecord{
		UID:  fetched.UID,
		Etag: etag,
		Path: path,
	}); err != nil {
		return nil, err
	}

	if hasListener {
		// Caller takes over the store write.
		if isNew {
			c.observer.OnItemAdded(fetched)
		} else {
			c.observer.OnItemModified(fetched)
		}
	} else {
		if err := c.cache.UpsertItem(ctx, fetched, isNew); err != nil {
			return nil, err
		}
		if isNew {
			c.observer.OnItemAdded(fetched)
		} else {
			c.observer.OnItemModified(fetched)
		}
	}

	if inboxPath != "" && !c.ep().InboxPollDisabled {
		c.deleteInboxCopy(ctx, inboxPath)
	}
	return fetched, nil
}

// deleteInboxCopy removes a scheduling inbox resource once its payload has
// been applied to the calendar. Best effort; a leftover copy is picked up
// again on the next poll.
func (c *Calendar) deleteInboxCopy(ctx context.Context, path string) {
	status, err := c.http.DoDELETE(ctx, path, "")
	if err != nil {
		c.logger.Warn("failed to remove inbox copy", "path", path, "error", err)
		return
	}
	if status >= 300 && status != 404 {
		c.logger.Warn("failed to remove inbox copy", "path", path, "status", status)
	}
}

// fetchIntoCache retrieves the server's current version of a resource and
// reconciles it into the cache, returning the decoded item.
func (c *Calendar) fetchIntoCache(ctx context.Context, path string, inbox bool) (*Item, error) {
	data, etag, status, err := c.http.DoGET(ctx, path)
	if err != nil {
		return nil, err
	}
	switch {
	case status == 200:
	case status == 404:
		if rec, ok := c.cache.RecordByPath(path); ok {
			if err := c.purgeItem(ctx, rec.UID); err != nil {
				return nil, err
			}
		}
		return nil, nil
	default:
		return nil, &httpclient.HTTPError{Code: status}
	}

	if err := c.reconcile(ctx, path, etag, data, inbox); err != nil {
		return nil, err
	}
	item, err := DecodeItem(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return item, nil
}

// itemPath derives the resource path for a new item under the collection.
func (c *Calendar) itemPath(uid string) string {
	base := strings.TrimSuffix(relativePath(c.uri), "/")
	return base + "/" + url.PathEscape(uid) + ".ics"
}
