package httpclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// BasicAuthTransport implements http.RoundTripper and adds Basic Auth
// authentication to outgoing requests.
type BasicAuthTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// NewBasicAuthTransport creates a new BasicAuthTransport with the given
// credentials and optional underlying transport. If transport is nil,
// http.DefaultTransport will be used.
func NewBasicAuthTransport(username, password string, transport http.RoundTripper, logger *slog.Logger) *BasicAuthTransport {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BasicAuthTransport{
		Username:  username,
		Password:  password,
		Transport: transport,
		Logger:    logger,
	}
}

// RoundTrip implements the http.RoundTripper interface. It adds Basic Auth
// credentials to the request and delegates to the underlying transport.
func (t *BasicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.Logger.Debug("outgoing request",
		"method", req.Method,
		"url", req.URL.String())

	if t.Username == "" {
		return nil, errors.New("basic auth username cannot be empty")
	}
	if t.Password == "" {
		return nil, errors.New("basic auth password cannot be empty")
	}
	if t.Transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	req.SetBasicAuth(t.Username, t.Password)
	resp, err := t.Transport.RoundTrip(req)

	if err == nil && resp != nil {
		t.Logger.Debug("incoming response", "status", resp.Status)
	}

	return resp, err
}

// TokenSource provides bearer credentials for endpoints that use token-based
// authentication. Refresh is invoked after the server rejects the current
// token; implementations should return a fresh token or an error.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// BearerAuthTransport implements http.RoundTripper with bearer tokens. When
// a response indicates credential expiry (401), the token is refreshed and
// the original request retried exactly once; the retry is invisible to
// callers.
type BearerAuthTransport struct {
	Source    TokenSource
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// NewBearerAuthTransport creates a new BearerAuthTransport.
func NewBearerAuthTransport(source TokenSource, transport http.RoundTripper, logger *slog.Logger) *BearerAuthTransport {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BearerAuthTransport{
		Source:    source,
		Transport: transport,
		Logger:    logger,
	}
}

// RoundTrip implements the http.RoundTripper interface.
func (t *BearerAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Source == nil {
		return nil, errors.New("token source cannot be nil")
	}

	// Buffer the body so the request can be replayed after a refresh.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	token, err := t.Source.Token(req.Context())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.Transport.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	t.Logger.Debug("bearer token rejected, refreshing",
		"url", req.URL.String())
	resp.Body.Close()

	token, err = t.Source.Refresh(req.Context())
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	if bodyBytes != nil {
		retry.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}
	retry.Header.Set("Authorization", "Bearer "+token)

	return t.Transport.RoundTrip(retry)
}
