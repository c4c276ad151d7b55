package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper wraps an http.Client with a circuit breaker. 5xx responses
// count as breaker failures; 4xx do not trip the breaker.
type HTTPWrapper struct {
	client *http.Client
	cb     *Breaker
}

// NewHTTPWrapper creates an HTTP wrapper named for the downstream service.
func NewHTTPWrapper(client *http.Client, name string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPWrapper{
		client: client,
		cb:     New(name, DefaultConfig(), logger),
	}
}

// Do executes the request through the breaker. When the breaker failure was
// a 5xx classification the underlying response is still returned so the
// caller can inspect the status.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var callErr error
		resp, callErr = hw.client.Do(req)
		if callErr != nil {
			return callErr
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	if _, ok := err.(*httpStatusError); ok {
		return resp, nil
	}
	return resp, err
}

// State exposes the breaker state for health reporting.
func (hw *HTTPWrapper) State() State { return hw.cb.State() }

// httpStatusError marks 5xx responses for breaker accounting.
type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
