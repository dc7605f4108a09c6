package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
)

// DoPUT stores a calendar resource. The status code is handed back to the
// caller; only transport failures produce an error.
func (c *httpClientWrapper) DoPUT(ctx context.Context, urlStr string, data []byte, ifMatch string, ifNoneMatchAny bool) (newEtag string, status int, err error) {
	c.logger.Debug("starting PUT request",
		"url", urlStr,
		"if_match", ifMatch,
		"if_none_match_any", ifNoneMatchAny,
		"data_length", len(data))

	resolvedURL, err := c.resolveURL(urlStr)
	if err != nil {
		c.logger.Debug("failed to resolve URL", "url", urlStr, "error", err)
		return "", 0, fmt.Errorf("failed to resolve URL %q: %w", urlStr, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, resolvedURL.String(), bytes.NewReader(data))
	if err != nil {
		return "", 0, err
	}

	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}
	if ifNoneMatchAny {
		req.Header.Set("If-None-Match", "*")
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "error", err)
		return "", 0, err
	}
	defer resp.Body.Close()

	newEtag = resp.Header.Get("ETag")
	c.logger.Debug("PUT request complete",
		"status", resp.Status,
		"new_etag", newEtag)
	return newEtag, resp.StatusCode, nil
}
