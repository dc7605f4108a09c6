package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/cyp0633/davsync/internal/xml"
)

// DoPROPFIND performs a PROPFIND request
func (c *httpClientWrapper) DoPROPFIND(ctx context.Context, urlStr string, depth int, props ...string) (*PropfindResult, error) {
	c.logger.Debug("starting PROPFIND request",
		"url", urlStr,
		"depth", depth,
		"properties", props)

	request := xml.PropfindRequest{Prop: props}
	body, err := request.ToXML().WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize PROPFIND body: %w", err)
	}

	resolvedURL, err := c.resolveURL(urlStr)
	if err != nil {
		c.logger.Debug("failed to resolve URL", "url", urlStr, "error", err)
		return nil, fmt.Errorf("failed to resolve URL %q: %w", urlStr, err)
	}

	req, err := http.NewRequestWithContext(ctx, "PROPFIND", resolvedURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Depth", fmt.Sprintf("%d", depth))
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "error", err)
		return nil, err
	}
	defer resp.Body.Close()

	c.logger.Debug("received response", "status", resp.Status)

	if resp.StatusCode != http.StatusMultiStatus {
		c.logger.Debug("unexpected status code",
			"status_code", resp.StatusCode,
			"status", resp.Status)
		return nil, &HTTPError{Code: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read PROPFIND response: %w", err)
	}

	ms, err := xml.ParseMultistatus(data)
	if err != nil {
		c.logger.Debug("failed to parse XML response", "error", err)
		return nil, fmt.Errorf("failed to parse XML response: %w", err)
	}

	c.logger.Debug("PROPFIND request complete",
		"response_count", len(ms.Responses))

	result := &PropfindResult{MS: ms, FinalURL: resolvedURL.String()}
	if resp.Request != nil && resp.Request.URL != nil {
		result.FinalURL = resp.Request.URL.String()
	}
	return result, nil
}
