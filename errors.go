package davsync

import (
	"errors"

	"github.com/cyp0633/davsync/internal/httpclient"
)

// Categorized errors surfaced by discovery, synchronization and mutation.
var (
	// ErrNotDAV marks a URI that answered without any DAV resource type.
	ErrNotDAV = errors.New("davsync: resource is not a DAV collection")

	// ErrNotCalDAV marks a DAV collection that is not a calendar.
	ErrNotCalDAV = errors.New("davsync: resource is DAV but not a CalDAV calendar")

	// ErrServerUnavailable marks a transient server-side failure (5xx). It
	// never disables the endpoint; the current round is simply aborted.
	ErrServerUnavailable = errors.New("davsync: server temporarily unavailable")

	// ErrDisabled is returned for operations against a disabled endpoint.
	ErrDisabled = errors.New("davsync: calendar is disabled")

	// ErrReadOnly is returned for mutations against a read-only endpoint.
	ErrReadOnly = errors.New("davsync: calendar is read-only")

	// ErrPreconditionFailed marks an ETag precondition conflict (409/412).
	ErrPreconditionFailed = errors.New("davsync: item changed on the server")

	// ErrSyncTokenExpired marks an expired sync-token (HTTP 410 Gone).
	ErrSyncTokenExpired = errors.New("davsync: sync token expired")

	// ErrItemNotFound is returned when the cache has no item for an id.
	ErrItemNotFound = errors.New("davsync: item not found")

	// ErrAuthFailed marks a failed credential acquisition.
	ErrAuthFailed = errors.New("davsync: authentication failed")

	// ErrBadResponse marks a malformed or unparseable server response.
	ErrBadResponse = errors.New("davsync: malformed server response")
)

// transient reports whether an error must not disable the endpoint: either
// the transport failed to produce a channel at all, or the server answered
// with a 5xx. Categorized discovery failures are always permanent.
func transient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrServerUnavailable):
		return true
	case errors.Is(err, ErrNotDAV),
		errors.Is(err, ErrNotCalDAV),
		errors.Is(err, ErrAuthFailed),
		errors.Is(err, ErrBadResponse),
		errors.Is(err, ErrDisabled),
		errors.Is(err, ErrReadOnly):
		return false
	}
	var httpErr *httpclient.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsServerError()
	}
	// No HTTP status at all: the channel could not be opened.
	return true
}

// statusOf extracts the HTTP status code from an error, or 0 when the
// failure happened below the HTTP layer.
func statusOf(err error) int {
	var httpErr *httpclient.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code
	}
	return 0
}
