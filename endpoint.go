package davsync

import (
	"net/url"
	"strings"
)

// Component types supported by the engine.
const (
	CompEvent = "VEVENT"
	CompTodo  = "VTODO"
)

// Endpoint is the capability state of one remote calendar collection. Its
// fields are populated by capability discovery, treated as immutable
// afterwards, and persisted as the calendar-properties metadata blob.
type Endpoint struct {
	CalendarURI string `json:"calendarUri"`
	HomeSet     string `json:"homeSet,omitempty"`
	Inbox       string `json:"inbox,omitempty"`
	Outbox      string `json:"outbox,omitempty"`
	Principal   string `json:"principal,omitempty"`
	UserAddress string `json:"userAddress,omitempty"`

	AuthScheme string `json:"authScheme,omitempty"`
	AuthRealm  string `json:"authRealm,omitempty"`

	// SupportedComponents is the intersection of {VEVENT, VTODO} and what
	// the server advertises. An advertisement-free server keeps both.
	SupportedComponents []string `json:"supportedComponents"`

	AutoSchedule   bool `json:"autoSchedule"`
	ManualSchedule bool `json:"manualSchedule"`
	FreeBusy       bool `json:"freeBusy"`
	SyncSupported  bool `json:"syncSupported"`

	// InboxPollDisabled is set when the resolved inbox collapses onto the
	// calendar URI itself (collapsed provider model).
	InboxPollDisabled bool `json:"inboxPollDisabled"`

	// IsInbox marks an endpoint that is itself a scheduling inbox.
	IsInbox bool `json:"isInbox"`

	Checked  bool `json:"checked"`
	ReadOnly bool `json:"readOnly"`
	Disabled bool `json:"disabled"`
}

// SchedulingEnabled reports whether the server handles scheduling at all.
func (e *Endpoint) SchedulingEnabled() bool {
	return e.AutoSchedule || e.ManualSchedule
}

// SupportsComponent reports whether the endpoint serves the given type.
func (e *Endpoint) SupportsComponent(name string) bool {
	for _, comp := range e.SupportedComponents {
		if comp == name {
			return true
		}
	}
	return false
}

// clone returns a copy so callers never share the engine's mutable view.
func (e *Endpoint) clone() *Endpoint {
	dup := *e
	dup.SupportedComponents = append([]string(nil), e.SupportedComponents...)
	return &dup
}

// pathsEqual compares two hrefs with trailing slashes normalized, matching
// either by path or by full spec.
func pathsEqual(a, b string) bool {
	na := strings.TrimSuffix(a, "/")
	nb := strings.TrimSuffix(b, "/")
	if na == nb {
		return true
	}
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return strings.TrimSuffix(ua.Path, "/") == strings.TrimSuffix(ub.Path, "/")
}

// parentCollection returns the parent collection URI with a trailing slash.
func parentCollection(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	path := strings.TrimSuffix(u.Path, "/")
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return uri
	}
	u.Path = path[:idx+1]
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// resolveHref resolves a possibly-relative href against a base URI.
func resolveHref(base, href string) string {
	if href == "" {
		return ""
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return baseURL.ResolveReference(ref).String()
}

// relativePath reduces an href from a multistatus response to the path
// component used as the item record's location key.
func relativePath(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if u.Path != "" {
		return u.Path
	}
	return href
}
