package davsync

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/cyp0633/davsync/internal/httpclient"
	"github.com/cyp0633/davsync/internal/xml"
)

// Quirk describes out-of-band knowledge about a provider host.
type Quirk struct {
	// NoOptions marks servers that do not implement OPTIONS at all.
	NoOptions bool
	// AutoSchedule marks servers known to support server-side scheduling
	// despite not advertising it.
	AutoSchedule bool
}

// defaultQuirks covers providers with known non-standard behavior.
var defaultQuirks = map[string]Quirk{
	"apidata.googleusercontent.com": {NoOptions: true, AutoSchedule: true},
}

func (c *Calendar) quirkFor(uri string) (Quirk, bool) {
	u, err := url.Parse(uri)
	if err != nil {
		return Quirk{}, false
	}
	if c.cfg.Quirks != nil {
		if q, ok := c.cfg.Quirks[u.Hostname()]; ok {
			return q, true
		}
	}
	q, ok := defaultQuirks[u.Hostname()]
	return q, ok
}

// Discover runs capability discovery now instead of waiting for the next
// refresh. It is a no-op when discovery already succeeded.
func (c *Calendar) Discover(ctx context.Context) error {
	return c.ensureDiscovered(ctx)
}

// ensureDiscovered runs capability discovery unless it already succeeded.
func (c *Calendar) ensureDiscovered(ctx context.Context) error {
	ep := c.ep()
	if ep.Disabled {
		return ErrDisabled
	}
	if ep.Checked {
		return nil
	}
	return c.discover(ctx)
}

// discover drives the discovery state machine once and settles the pending
// query queue: drained in FIFO order on success, each entry notified with
// the failure on error. A call arriving while another run is in flight
// waits for that run and shares its result instead of starting a second.
func (c *Calendar) discover(ctx context.Context) error {
	c.mu.Lock()
	if c.discovering {
		done := c.discoverDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		err := c.discoverErr
		c.mu.Unlock()
		return err
	}
	c.discovering = true
	c.discoverDone = make(chan struct{})
	c.mu.Unlock()

	err := c.runDiscovery(ctx)

	c.mu.Lock()
	c.discovering = false
	c.discoverErr = err
	close(c.discoverDone)
	c.mu.Unlock()

	if err != nil {
		c.failDiscovery(ctx, err)
		return err
	}

	if saveErr := c.cache.SaveEndpoint(ctx, c.ep()); saveErr != nil {
		c.logger.Warn("failed to persist calendar properties", "error", saveErr)
	}
	c.pending.drain(ctx)
	return nil
}

func (c *Calendar) failDiscovery(ctx context.Context, err error) {
	// Transient server failures abort the round without touching the
	// endpoint's flags or cached state.
	if transient(err) {
		c.logger.Debug("discovery aborted by transient failure", "error", err)
	} else {
		c.updateEndpoint(func(ep *Endpoint) {
			ep.ReadOnly = true
			ep.Disabled = true
		})
		if saveErr := c.cache.SaveEndpoint(ctx, c.ep()); saveErr != nil {
			c.logger.Warn("failed to persist calendar properties", "error", saveErr)
		}
	}
	c.observer.OnError(err)
	c.pending.failAll(err)
}

func (c *Calendar) runDiscovery(ctx context.Context) error {
	ep := c.ep()
	ep.CalendarURI = c.uri

	if err := c.authenticate(ctx, ep); err != nil {
		return err
	}
	if err := c.resolveResourceType(ctx, ep); err != nil {
		return err
	}

	schedulingDone, err := c.queryServerCapabilities(ctx, ep)
	if err != nil {
		return err
	}
	if !schedulingDone {
		namespaces, err := c.findPrincipalNamespaces(ctx, ep)
		if err != nil {
			return err
		}
		c.checkPrincipalNamespaces(ctx, ep, namespaces)
	}

	ep.Checked = true
	ep.Disabled = false

	c.mu.Lock()
	c.endpoint = ep
	c.mu.Unlock()

	c.logger.Debug("discovery complete",
		"uri", ep.CalendarURI,
		"sync_supported", ep.SyncSupported,
		"auto_schedule", ep.AutoSchedule,
		"manual_schedule", ep.ManualSchedule)
	return nil
}

// authenticate acquires token-based credentials before any other request.
func (c *Calendar) authenticate(ctx context.Context, ep *Endpoint) error {
	if c.cfg.TokenSource == nil {
		ep.AuthScheme = c.deriveAuthScheme()
		return nil
	}
	if _, err := c.cfg.TokenSource.Token(ctx); err != nil {
		c.mu.Lock()
		c.reenablePending = true
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	ep.AuthScheme = "bearer"
	return nil
}

// deriveAuthScheme inspects the configured credentials and transport chain.
func (c *Calendar) deriveAuthScheme() string {
	if c.cfg.Username != "" {
		return "basic"
	}
	if c.cfg.Client == nil {
		return "none"
	}
	switch c.cfg.Client.Transport.(type) {
	case *httpclient.BasicAuthTransport:
		return "basic"
	case *httpclient.BearerAuthTransport:
		return "bearer"
	default:
		if u, err := url.Parse(c.uri); err == nil && u.RawQuery != "" {
			return "Ticket"
		}
		return "none"
	}
}

// resolveResourceType issues the shallow property query that classifies the
// URI as calendar, plain DAV collection, or not DAV at all.
func (c *Calendar) resolveResourceType(ctx context.Context, ep *Endpoint) error {
	res, err := c.http.DoPROPFIND(ctx, ep.CalendarURI, 0,
		"resourcetype",
		"owner",
		"current-user-principal",
		"supported-report-set",
		"supported-calendar-component-set",
		"getctag")
	if err != nil {
		if transient(err) {
			return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
		}
		return fmt.Errorf("%w: %v", ErrNotDAV, err)
	}

	// Offer to follow a server-side relocation of the collection.
	if res.FinalURL != "" && !pathsEqual(res.FinalURL, ep.CalendarURI) {
		if c.cfg.RedirectHandler != nil && c.cfg.RedirectHandler(res.FinalURL) {
			c.logger.Debug("following collection redirect",
				"from", ep.CalendarURI, "to", res.FinalURL)
			c.mu.Lock()
			c.uri = res.FinalURL
			c.mu.Unlock()
			ep.CalendarURI = res.FinalURL
		}
	}

	first := res.MS.First()
	if first.IsAbsent() {
		return fmt.Errorf("%w: empty multistatus", ErrBadResponse)
	}
	resp := first.MustGet()

	switch {
	case !resp.HasResourceType():
		return ErrNotDAV
	case resp.IsCalendar():
		// continue
	default:
		return ErrNotCalDAV
	}

	ep.SyncSupported = resp.SupportsReport("sync-collection")

	if ctag, ok := resp.PropText("getctag").Get(); ok {
		c.logger.Debug("initial collection tag observed", "ctag", ctag)
	}

	// Narrow the supported item types only when the server explicitly
	// advertises a non-empty set; absence means assume full support.
	if comps, present := resp.SupportedComponents(); present && len(comps) > 0 {
		var supported []string
		for _, comp := range comps {
			if comp == CompEvent || comp == CompTodo {
				supported = append(supported, comp)
			}
		}
		ep.SupportedComponents = supported
	}

	if principal, ok := resp.PropHref("current-user-principal").Get(); ok {
		ep.Principal = resolveHref(ep.CalendarURI, principal)
	} else if owner, ok := resp.PropHref("owner").Get(); ok {
		ep.Principal = resolveHref(ep.CalendarURI, owner)
	}

	return nil
}

// queryServerCapabilities probes the DAV capability header. The returned
// bool is true when discovery is complete: the server does no scheduling
// and principal lookup is unnecessary.
func (c *Calendar) queryServerCapabilities(ctx context.Context, ep *Endpoint) (bool, error) {
	if q, ok := c.quirkFor(ep.CalendarURI); ok && q.NoOptions {
		if q.AutoSchedule {
			ep.AutoSchedule = true
			ep.FreeBusy = true
			c.registerFreeBusy()
			return false, nil
		}
		return true, nil
	}

	target := parentCollection(ep.CalendarURI)
	dav, status, err := c.http.DoOPTIONS(ctx, target)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	// Servers vary on where they advertise capabilities.
	if status == 404 {
		dav, status, err = c.http.DoOPTIONS(ctx, ep.CalendarURI)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
		}
	}
	if status >= 500 {
		return false, fmt.Errorf("%w: OPTIONS returned %d", ErrServerUnavailable, status)
	}

	var auto, manual bool
	for _, token := range strings.Split(dav, ",") {
		switch strings.TrimSpace(token) {
		case "calendar-auto-schedule":
			auto = true
		case "calendar-schedule":
			manual = true
		}
	}

	switch {
	case auto:
		ep.AutoSchedule = true
		ep.FreeBusy = true
		c.registerFreeBusy()
	case manual:
		ep.ManualSchedule = true
		ep.FreeBusy = true
		c.registerFreeBusy()
	default:
		return true, nil
	}
	return false, nil
}

func (c *Calendar) registerFreeBusy() {
	if c.cfg.FreeBusyRegistrar != nil {
		c.cfg.FreeBusyRegistrar(c)
	}
}

// findPrincipalNamespaces collects the principal namespace candidates. A
// known principal URI short-circuits to a single-element list.
func (c *Calendar) findPrincipalNamespaces(ctx context.Context, ep *Endpoint) ([]string, error) {
	if ep.Principal != "" {
		return []string{ep.Principal}, nil
	}

	res, err := c.http.DoPROPFIND(ctx, parentCollection(ep.CalendarURI), 0, "principal-collection-set")
	if err != nil {
		if transient(err) {
			return nil, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
		}
		// No namespace information: scheduling simply stays unsupported.
		c.logger.Debug("principal-collection-set unavailable", "error", err)
		return nil, nil
	}

	first := res.MS.First()
	if first.IsAbsent() {
		return nil, nil
	}

	var namespaces []string
	for _, href := range first.MustGet().PropHrefs("principal-collection-set") {
		namespaces = append(namespaces, resolveHref(ep.CalendarURI, href))
	}
	return namespaces, nil
}

// checkPrincipalNamespaces resolves user address, inbox and outbox from the
// candidate namespaces, most-recently-added first. Scheduling is declared
// unsupported only once the list is exhausted.
func (c *Calendar) checkPrincipalNamespaces(ctx context.Context, ep *Endpoint, namespaces []string) {
	localHomeSet := parentCollection(ep.CalendarURI)

	for i := len(namespaces) - 1; i >= 0; i-- {
		ns := namespaces[i]
		responses, err := c.queryPrincipal(ctx, ep, ns, localHomeSet)
		if err != nil {
			c.logger.Debug("principal namespace query failed", "namespace", ns, "error", err)
			continue
		}
		if c.acceptPrincipal(ep, ns, localHomeSet, responses) {
			if pathsEqual(ep.Inbox, ep.CalendarURI) {
				ep.InboxPollDisabled = true
			}
			return
		}
	}

	c.logger.Debug("principal candidates exhausted, scheduling unsupported")
	ep.AutoSchedule = false
	ep.ManualSchedule = false
	ep.FreeBusy = false
}

func (c *Calendar) queryPrincipal(ctx context.Context, ep *Endpoint, ns, localHomeSet string) ([]xml.Response, error) {
	props := []string{
		"calendar-home-set",
		"calendar-user-address-set",
		"schedule-inbox-URL",
		"schedule-outbox-URL",
	}

	if ep.Principal != "" {
		res, err := c.http.DoPROPFIND(ctx, ns, 0, props...)
		if err != nil {
			return nil, err
		}
		return res.MS.Responses, nil
	}

	request := xml.PrincipalPropertySearchRequest{
		HomeSetMatch: homeSetPath(localHomeSet),
		Prop:         props,
	}
	body, err := request.ToXML().WriteToBytes()
	if err != nil {
		return nil, err
	}
	ms, err := c.http.DoREPORT(ctx, ns, 1, body)
	if err != nil {
		return nil, err
	}
	return ms.Responses, nil
}

// acceptPrincipal applies the match rule: a candidate is accepted when it
// returns exactly one home-set, or when one of several equals the local
// home-set (by path or full spec, trailing slash normalized).
func (c *Calendar) acceptPrincipal(ep *Endpoint, ns, localHomeSet string, responses []xml.Response) bool {
	for i := range responses {
		resp := &responses[i]

		homes := resp.PropHrefs("calendar-home-set")
		if len(homes) == 0 {
			continue
		}
		matched := len(homes) == 1
		home := homes[0]
		if !matched {
			for _, h := range homes {
				if pathsEqual(resolveHref(ns, h), localHomeSet) {
					matched = true
					home = h
					break
				}
			}
		}
		if !matched {
			continue
		}

		address := preferMailto(resp.PropHrefs("calendar-user-address-set"))
		inbox, _ := resp.PropHref("schedule-inbox-URL").Get()
		outbox, _ := resp.PropHref("schedule-outbox-URL").Get()
		if address == "" || inbox == "" || outbox == "" {
			continue
		}

		ep.HomeSet = resolveHref(ns, home)
		ep.UserAddress = address
		ep.Inbox = resolveHref(ns, inbox)
		ep.Outbox = resolveHref(ns, outbox)
		if ep.Principal == "" && resp.Href != "" {
			ep.Principal = resolveHref(ns, resp.Href)
		}
		return true
	}
	return false
}

// preferMailto picks a mailto: address when one exists.
func preferMailto(addresses []string) string {
	for _, addr := range addresses {
		if strings.HasPrefix(strings.ToLower(addr), "mailto:") {
			return addr
		}
	}
	if len(addresses) > 0 {
		return addresses[0]
	}
	return ""
}

func homeSetPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	if u.Path != "" {
		return u.Path
	}
	return uri
}
