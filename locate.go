package davsync

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/cyp0633/davsync/internal/httpclient"
	"github.com/cyp0633/davsync/internal/xml"
)

// CalendarInfo describes one calendar collection found on a server.
type CalendarInfo struct {
	URI      string
	Name     string
	Color    string
	ReadOnly bool
}

// DNSResolver interface for mocking DNS lookups in tests
type DNSResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (cname string, addrs []*net.SRV, err error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// LocatorConfig holds configuration for FindCalendars.
type LocatorConfig struct {
	Resolver DNSResolver
	Client   *http.Client
	Logger   *slog.Logger
}

// FindCalendars enumerates the calendar collections behind a location the
// user typed, trying the direct path, DNS SRV records, the well-known URI
// and the server root in that order. The resulting URIs feed Config.URI.
func FindCalendars(ctx context.Context, location, username, password string) ([]CalendarInfo, error) {
	return FindCalendarsWithConfig(ctx, location, username, password, &LocatorConfig{})
}

// FindCalendarsWithConfig allows injecting custom collaborators for testing.
func FindCalendarsWithConfig(ctx context.Context, location, username, password string, cfg *LocatorConfig) ([]CalendarInfo, error) {
	baseURL, err := url.Parse(location)
	if err != nil || baseURL.Host == "" || (baseURL.Scheme != "http" && baseURL.Scheme != "https") {
		return nil, fmt.Errorf("invalid URL %q", location)
	}

	resolver := cfg.Resolver
	if resolver == nil {
		resolver = &net.Resolver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if username != "" {
		client = &http.Client{
			Transport:     httpclient.NewBasicAuthTransport(username, password, transport, logger),
			CheckRedirect: client.CheckRedirect,
			Timeout:       client.Timeout,
		}
	}

	wrapper, err := httpclient.NewHttpClientWrapper(client, *baseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client wrapper: %w", err)
	}

	candidates := locationCandidates(ctx, resolver, baseURL, location)

	principal := ""
	for _, candidate := range candidates {
		res, err := wrapper.DoPROPFIND(ctx, candidate, 0, "current-user-principal")
		if err != nil {
			logger.Debug("candidate location rejected", "url", candidate, "error", err)
			continue
		}
		first, ok := res.MS.First().Get()
		if !ok {
			continue
		}
		if href, ok := first.PropHref("current-user-principal").Get(); ok {
			principal = resolveHref(candidate, href)
			break
		}
	}
	if principal == "" {
		return nil, fmt.Errorf("could not find current-user-principal")
	}

	res, err := wrapper.DoPROPFIND(ctx, principal, 0, "calendar-home-set")
	if err != nil {
		return nil, fmt.Errorf("failed to get calendar-home-set: %w", err)
	}
	first, ok := res.MS.First().Get()
	if !ok {
		return nil, fmt.Errorf("no calendar-home-set found")
	}
	home, ok := first.PropHref("calendar-home-set").Get()
	if !ok {
		return nil, fmt.Errorf("no calendar-home-set found")
	}
	home = resolveHref(principal, home)

	res, err = wrapper.DoPROPFIND(ctx, home, 1,
		"resourcetype",
		"displayname",
		"calendar-color",
		"current-user-privilege-set")
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	var calendars []CalendarInfo
	for i := range res.MS.Responses {
		resp := &res.MS.Responses[i]
		if !resp.IsCalendar() {
			continue
		}
		name, _ := resp.PropText("displayname").Get()
		color, _ := resp.PropText("calendar-color").Get()
		calendars = append(calendars, CalendarInfo{
			URI:      resolveHref(home, resp.Href),
			Name:     name,
			Color:    color,
			ReadOnly: !canWrite(resp),
		})
	}
	return calendars, nil
}

// locationCandidates builds the ordered probe list: the typed path when it
// names one, SRV-advertised servers, the well-known URI, the root.
func locationCandidates(ctx context.Context, resolver DNSResolver, baseURL *url.URL, location string) []string {
	var candidates []string

	if baseURL.Path != "/" && baseURL.Path != "" {
		candidates = append(candidates, location)
	}

	for _, prefix := range []string{"_caldavs._tcp.", "_caldav._tcp."} {
		host := prefix + baseURL.Hostname()
		_, addrs, err := resolver.LookupSRV(ctx, "", "", host)
		if err != nil {
			continue
		}

		var path string
		txts, _ := resolver.LookupTXT(ctx, host)
		for _, txt := range txts {
			if len(txt) > 5 && txt[:5] == "path=" {
				path = txt[5:]
				break
			}
		}

		scheme := "http"
		if prefix == "_caldavs._tcp." {
			scheme = "https"
		}
		for _, addr := range addrs {
			candidates = append(candidates,
				fmt.Sprintf("%s://%s:%d%s", scheme, addr.Target, addr.Port, path))
		}
	}

	candidates = append(candidates, baseURL.JoinPath(".well-known", "caldav").String())
	candidates = append(candidates, baseURL.JoinPath("/").String())
	return candidates
}

// canWrite inspects current-user-privilege-set; servers that omit it are
// assumed writable.
func canWrite(resp *xml.Response) bool {
	p := resp.Prop("current-user-privilege-set")
	if p == nil {
		return true
	}
	for i := range p.Children {
		priv := p.Children[i]
		if priv.Name != "privilege" {
			continue
		}
		for j := range priv.Children {
			switch priv.Children[j].Name {
			case "write", "write-content", "all":
				return true
			}
		}
	}
	return false
}
