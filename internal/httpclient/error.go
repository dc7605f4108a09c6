package httpclient

import "fmt"

// HTTPError reports a completed HTTP exchange with an unexpected status.
// A transport-level failure (no channel at all) is never an HTTPError.
type HTTPError struct {
	Code int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// IsServerError reports whether the status is 5xx.
func (e *HTTPError) IsServerError() bool {
	return e.Code >= 500 && e.Code <= 599
}
