package httpclient

import (
	"context"
	"fmt"
	"net/http"
)

// DoDELETE sends a DELETE request with If-Match header for optimistic locking.
// The status code is handed back to the caller: deletes treat 404 as success
// and 412 as a conflict, which is not this layer's call to make.
func (c *httpClientWrapper) DoDELETE(ctx context.Context, urlStr string, ifMatch string) (status int, err error) {
	c.logger.Debug("starting DELETE request",
		"url", urlStr,
		"if_match", ifMatch)

	resolvedURL, err := c.resolveURL(urlStr)
	if err != nil {
		c.logger.Debug("failed to resolve URL", "url", urlStr, "error", err)
		return 0, fmt.Errorf("failed to resolve URL %q: %w", urlStr, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, resolvedURL.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create DELETE request: %w", err)
	}

	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "error", err)
		return 0, fmt.Errorf("failed to send DELETE request: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("DELETE request complete", "status", resp.Status)
	return resp.StatusCode, nil
}

// DoHEAD probes a resource, used to disambiguate delete conflicts.
func (c *httpClientWrapper) DoHEAD(ctx context.Context, urlStr string) (status int, err error) {
	c.logger.Debug("starting HEAD request", "url", urlStr)

	resolvedURL, err := c.resolveURL(urlStr)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve URL %q: %w", urlStr, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, resolvedURL.String(), nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "error", err)
		return 0, err
	}
	resp.Body.Close()

	c.logger.Debug("HEAD request complete", "status", resp.Status)
	return resp.StatusCode, nil
}
