package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// DoGET fetches a calendar resource body along with its ETag.
func (c *httpClientWrapper) DoGET(ctx context.Context, urlStr string) (data []byte, etag string, status int, err error) {
	c.logger.Debug("starting GET request", "url", urlStr)

	resolvedURL, err := c.resolveURL(urlStr)
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to resolve URL %q: %w", urlStr, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolvedURL.String(), nil)
	if err != nil {
		return nil, "", 0, err
	}
	req.Header.Set("Accept", "text/calendar")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "error", err)
		return nil, "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, "", resp.StatusCode, fmt.Errorf("failed to read GET response: %w", err)
		}
	}

	etag = resp.Header.Get("ETag")
	c.logger.Debug("GET request complete",
		"status", resp.Status,
		"etag", etag,
		"data_length", len(data))
	return data, etag, resp.StatusCode, nil
}

// DoPOST sends a body to a collection, used for outbox scheduling requests.
func (c *httpClientWrapper) DoPOST(ctx context.Context, urlStr string, contentType string, headers map[string]string, body []byte) (data []byte, status int, err error) {
	c.logger.Debug("starting POST request",
		"url", urlStr,
		"content_type", contentType,
		"body_length", len(body))

	resolvedURL, err := c.resolveURL(urlStr)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to resolve URL %q: %w", urlStr, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resolvedURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "error", err)
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read POST response: %w", err)
	}

	c.logger.Debug("POST request complete",
		"status", resp.Status,
		"response_length", len(data))
	return data, resp.StatusCode, nil
}
