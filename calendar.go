package davsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/cyp0633/davsync/internal/httpclient"
	"github.com/google/uuid"
)

// Config holds the collaborators and knobs for one remote calendar.
type Config struct {
	// ID is the stable calendar id used for realm election. A fresh one is
	// generated when empty.
	ID string

	// URI is the remote collection URI.
	URI string

	// Client is the HTTP client used for all requests. Authentication is
	// expected to be installed on its transport (BasicAuthTransport or
	// BearerAuthTransport).
	Client *http.Client

	// Username and Password install basic auth on the client transport
	// when set. TokenSource takes precedence.
	Username string
	Password string

	Logger *slog.Logger

	// Store is the offline item store collaborator.
	Store Store

	// Observer receives add/modify/delete/error events. Optional.
	Observer Observer

	// ConflictResolver decides mutation conflicts (HTTP 409/412). Defaults
	// to accepting the server's version.
	ConflictResolver ConflictResolver

	// FallbackTransport delivers scheduling messages the server did not
	// handle, typically via email. Optional; without it undeliverable
	// scheduling messages fail.
	FallbackTransport ItipTransport

	// TokenSource acquires bearer credentials before discovery for
	// endpoints that need token-based authentication. Optional.
	TokenSource httpclient.TokenSource

	// RedirectHandler is consulted when the server permanently redirects
	// the collection; returning true migrates the calendar URI. Optional.
	RedirectHandler func(newURI string) bool

	// FreeBusyRegistrar is invoked when discovery finds the server capable
	// of scheduling, so the host application can register this calendar as
	// a free/busy provider. Optional.
	FreeBusyRegistrar func(c *Calendar)

	// Quirks overrides the built-in provider quirk table. Optional.
	Quirks map[string]Quirk

	// Uncached marks an endpoint operated without a full local replica:
	// hard mutation failures then disable the calendar instead of falling
	// back to cached state.
	Uncached bool

	// AuthRealm identifies the server account for realm election when the
	// server does not expose one.
	AuthRealm string
}

// Calendar is a remote CalDAV collection kept consistent with the offline
// store: the engine behind refresh, item mutation and scheduling.
type Calendar struct {
	id     string
	uri    string
	cfg    Config
	http   httpclient.HttpClientWrapper
	cache  *OfflineCache
	logger *slog.Logger

	observer Observer
	resolver ConflictResolver

	mu              sync.Mutex
	endpoint        *Endpoint
	discovering     bool
	discoverDone    chan struct{}
	discoverErr     error
	reenablePending bool
	pending         pendingQueue
}

// New creates a calendar for the given remote collection, restoring any
// capability state persisted by a previous session.
func New(ctx context.Context, cfg Config) (*Calendar, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("calendar URI is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	baseURL, err := url.Parse(cfg.URI)
	if err != nil || baseURL.Host == "" || (baseURL.Scheme != "http" && baseURL.Scheme != "https") {
		return nil, fmt.Errorf("invalid calendar URI %q", cfg.URI)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	switch {
	case cfg.TokenSource != nil:
		client = &http.Client{
			Transport:     httpclient.NewBearerAuthTransport(cfg.TokenSource, client.Transport, logger),
			CheckRedirect: client.CheckRedirect,
			Timeout:       client.Timeout,
		}
	case cfg.Username != "":
		client = &http.Client{
			Transport:     httpclient.NewBasicAuthTransport(cfg.Username, cfg.Password, client.Transport, logger),
			CheckRedirect: client.CheckRedirect,
			Timeout:       client.Timeout,
		}
	}

	wrapper, err := httpclient.NewHttpClientWrapper(client, *baseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client wrapper: %w", err)
	}

	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}

	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	resolver := cfg.ConflictResolver
	if resolver == nil {
		resolver = AcceptServerResolver{}
	}

	c := &Calendar{
		id:       id,
		uri:      cfg.URI,
		cfg:      cfg,
		http:     wrapper,
		cache:    NewOfflineCache(cfg.Store, logger),
		logger:   logger,
		observer: observer,
		resolver: resolver,
	}

	if err := c.cache.Load(ctx); err != nil {
		return nil, err
	}

	ep, ok, err := c.cache.LoadEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		ep = &Endpoint{
			CalendarURI:         cfg.URI,
			AuthRealm:           cfg.AuthRealm,
			SupportedComponents: []string{CompEvent, CompTodo},
		}
	}
	c.endpoint = ep

	registerCalendar(c)
	return c, nil
}

// Close removes the calendar from the realm registry.
func (c *Calendar) Close() {
	unregisterCalendar(c)
}

// ID returns the stable calendar id.
func (c *Calendar) ID() string { return c.id }

// URI returns the remote collection URI.
func (c *Calendar) URI() string { return c.uri }

// ReadOnly reports whether mutations are currently refused.
func (c *Calendar) ReadOnly() bool { return c.ep().ReadOnly }

// Disabled reports whether the endpoint has been disabled.
func (c *Calendar) Disabled() bool { return c.ep().Disabled }

// SupportedItemTypes returns the component types the server serves.
func (c *Calendar) SupportedItemTypes() []string {
	return c.ep().SupportedComponents
}

// CanSchedule reports whether the server supports scheduling at all.
func (c *Calendar) CanSchedule() bool { return c.ep().SchedulingEnabled() }

// Endpoint returns a copy of the discovered capability state.
func (c *Calendar) Endpoint() Endpoint { return *c.ep() }

// ReenablePending reports whether the calendar was disabled by a failed
// credential acquisition and should be re-enabled automatically once
// credentials become available again.
func (c *Calendar) ReenablePending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reenablePending
}

// Reenable clears the disabled state so the next refresh retries discovery.
func (c *Calendar) Reenable() {
	c.mu.Lock()
	c.reenablePending = false
	c.endpoint.Disabled = false
	c.endpoint.Checked = false
	c.mu.Unlock()
}

// ep returns the live endpoint pointer under lock; callers treat the
// returned value as read-only.
func (c *Calendar) ep() *Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint.clone()
}

// updateEndpoint applies a mutation to the endpoint under lock.
func (c *Calendar) updateEndpoint(fn func(*Endpoint)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.endpoint)
}

func (c *Calendar) authRealm() string {
	ep := c.ep()
	if ep.AuthRealm != "" {
		return ep.AuthRealm
	}
	return c.cfg.AuthRealm
}

// Refresh asynchronously synchronizes the calendar with the server. The
// listener, if any, is invoked exactly once.
func (c *Calendar) Refresh(ctx context.Context, listener OperationListener) {
	go c.enqueueOrRun(ctx, OpRefresh, "", listener, func(ctx context.Context) (any, error) {
		return nil, c.Synchronize(ctx)
	})
}

// GetItem asynchronously reads one item from the offline cache.
func (c *Calendar) GetItem(ctx context.Context, uid string, listener OperationListener) {
	go c.enqueueOrRun(ctx, OpGet, uid, listener, func(ctx context.Context) (any, error) {
		item, err := c.cache.GetItem(ctx, uid)
		if err != nil {
			return nil, err
		}
		return item, nil
	})
}

// GetItems asynchronously reads all items from the offline cache.
func (c *Calendar) GetItems(ctx context.Context, listener OperationListener) {
	go c.enqueueOrRun(ctx, OpGetAll, "", listener, func(ctx context.Context) (any, error) {
		items, err := c.cache.GetItems(ctx)
		if err != nil {
			return nil, err
		}
		return items, nil
	})
}

// AddItem asynchronously stores a new item on the server. Mutations are not
// serialized against each other; ETag preconditions are the consistency
// mechanism.
func (c *Calendar) AddItem(ctx context.Context, item *Item, listener OperationListener) {
	go func() {
		detail, err := c.addItem(ctx, item, listener != nil)
		notifyListener(listener, OperationResult{Err: err, Op: OpAdd, ID: item.UID, Detail: detail})
	}()
}

// ModifyItem asynchronously updates an existing item on the server.
func (c *Calendar) ModifyItem(ctx context.Context, item *Item, listener OperationListener) {
	go func() {
		detail, err := c.modifyItem(ctx, item, false, listener != nil)
		notifyListener(listener, OperationResult{Err: err, Op: OpModify, ID: item.UID, Detail: detail})
	}()
}

// DeleteItem asynchronously deletes an item from the server.
func (c *Calendar) DeleteItem(ctx context.Context, uid string, listener OperationListener) {
	go func() {
		err := c.deleteItem(ctx, uid, false)
		notifyListener(listener, OperationResult{Err: err, Op: OpDelete, ID: uid})
	}()
}

// enqueueOrRun defers read requests while capability discovery is still in
// flight; everything else runs immediately. Queued requests are drained in
// FIFO order after discovery completes.
func (c *Calendar) enqueueOrRun(ctx context.Context, op OperationType, id string, listener OperationListener, fn func(ctx context.Context) (any, error)) {
	c.mu.Lock()
	if c.discovering {
		c.pending.push(pendingQuery{
			run: func(ctx context.Context) {
				detail, err := fn(ctx)
				notifyListener(listener, OperationResult{Err: err, Op: op, ID: id, Detail: detail})
			},
			fail: func(err error) {
				notifyListener(listener, OperationResult{Err: err, Op: op, ID: id})
			},
		})
		c.mu.Unlock()
		c.logger.Debug("queued request during discovery", "op", op.String(), "id", id)
		return
	}
	c.mu.Unlock()

	detail, err := fn(ctx)
	notifyListener(listener, OperationResult{Err: err, Op: op, ID: id, Detail: detail})
}
