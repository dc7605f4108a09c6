package httpclient

import (
	"context"
	"fmt"
	"net/http"
)

// DoOPTIONS issues a capability probe and returns the DAV header verbatim.
func (c *httpClientWrapper) DoOPTIONS(ctx context.Context, urlStr string) (dav string, status int, err error) {
	c.logger.Debug("starting OPTIONS request", "url", urlStr)

	resolvedURL, err := c.resolveURL(urlStr)
	if err != nil {
		c.logger.Debug("failed to resolve URL", "url", urlStr, "error", err)
		return "", 0, fmt.Errorf("failed to resolve URL %q: %w", urlStr, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, resolvedURL.String(), nil)
	if err != nil {
		return "", 0, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "error", err)
		return "", 0, err
	}
	resp.Body.Close()

	dav = resp.Header.Get("DAV")
	c.logger.Debug("OPTIONS request complete",
		"status", resp.Status,
		"dav", dav)
	return dav, resp.StatusCode, nil
}
