package circuitbreaker

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper guards an http.Client with a circuit breaker. 5xx responses
// count as breaker failures; 4xx do not trip the breaker.
type HTTPWrapper struct {
	client *http.Client
	cb     *Breaker
	logger *zap.Logger
}

// NewHTTPWrapper wraps client under the given breaker name.
func NewHTTPWrapper(client *http.Client, name string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPWrapper{
		client: client,
		cb:     New(name, HTTPConfig(), logger),
		logger: logger,
	}
}

// Do executes the request through the breaker. When a 5xx trips the failure
// accounting the response is still returned to the caller.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var err2 error
		resp, err2 = hw.client.Do(req)
		if err2 != nil {
			return err2
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

// State returns the breaker state for health reporting.
func (hw *HTTPWrapper) State() State { return hw.cb.State() }

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.code)
}
