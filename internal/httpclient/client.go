package httpclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/cyp0633/davsync/internal/xml"
)

// HttpClientWrapper wraps http.Client with CalDAV-specific functionality.
//
// PROPFIND, REPORT and OPTIONS fold unexpected statuses into *HTTPError;
// PUT, DELETE, HEAD, GET and POST hand the status back to the caller, whose
// policy varies per operation. A non-nil error with a zero status always
// means the transport failed to produce a channel at all.
type HttpClientWrapper interface {
	DoPROPFIND(ctx context.Context, url string, depth int, props ...string) (*PropfindResult, error)
	DoREPORT(ctx context.Context, url string, depth int, body []byte) (*xml.MultistatusResponse, error)
	DoOPTIONS(ctx context.Context, url string) (dav string, status int, err error)
	DoPUT(ctx context.Context, url string, data []byte, ifMatch string, ifNoneMatchAny bool) (etag string, status int, err error)
	DoDELETE(ctx context.Context, url string, ifMatch string) (status int, err error)
	DoHEAD(ctx context.Context, url string) (status int, err error)
	DoGET(ctx context.Context, url string) (data []byte, etag string, status int, err error)
	DoPOST(ctx context.Context, url string, contentType string, headers map[string]string, body []byte) (data []byte, status int, err error)
}

// PropfindResult carries the parsed multistatus plus the URL the request
// finally landed on, so callers can detect server-side redirects.
type PropfindResult struct {
	MS       *xml.MultistatusResponse
	FinalURL string
}

type httpClientWrapper struct {
	client  *http.Client
	baseURL url.URL
	logger  *slog.Logger
}

// resolveURL resolves a URL string against the base URL
func (c *httpClientWrapper) resolveURL(urlStr string) (*url.URL, error) {
	ref, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL %q: %w", urlStr, err)
	}
	return c.baseURL.ResolveReference(ref), nil
}

// NewHttpClientWrapper creates a new client wrapper with logging
func NewHttpClientWrapper(client *http.Client, baseURL url.URL, logger *slog.Logger) (HttpClientWrapper, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &httpClientWrapper{client: client, baseURL: baseURL, logger: logger}, nil
}
