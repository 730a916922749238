package promclient

import (
	"fmt"
	"net/http"
)

// Error is implemented by every failure the client returns for an upstream
// call: *UpstreamError, *TimeoutError, *TransportError and *CircuitOpenError.
// StatusCode is the code the proxy answers with.
type Error interface {
	error
	StatusCode() int
	Kind() string
}

// UpstreamError is a non-2xx answer from the datasource.
type UpstreamError struct {
	Status  int
	Message string
	Body    []byte
}

func (e *UpstreamError) Error() string { return e.Message }

// StatusCode keeps client errors (bad PromQL is a 400/422 upstream) and
// turns everything else into 502.
func (e *UpstreamError) StatusCode() int {
	if e.Status >= 400 && e.Status < 500 {
		return e.Status
	}
	return http.StatusBadGateway
}

func (e *UpstreamError) Kind() string { return "upstream" }

// TimeoutError means the datasource did not answer within the deadline.
type TimeoutError struct {
	URL string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timed out: %s", e.URL)
}

func (e *TimeoutError) Unwrap() error   { return e.Err }
func (e *TimeoutError) StatusCode() int { return http.StatusGatewayTimeout }
func (e *TimeoutError) Kind() string    { return "timeout" }

// TransportError covers DNS failures, refused connections and the like.
type TransportError struct {
	Host string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Host, e.Err)
}

func (e *TransportError) Unwrap() error   { return e.Err }
func (e *TransportError) StatusCode() int { return http.StatusBadGateway }
func (e *TransportError) Kind() string    { return "transport" }

// CircuitOpenError is returned without calling upstream while the
// datasource's breaker is open.
type CircuitOpenError struct {
	Datasource string
	Err        error
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("datasource %s is unavailable: %v", e.Datasource, e.Err)
}

func (e *CircuitOpenError) Unwrap() error   { return e.Err }
func (e *CircuitOpenError) StatusCode() int { return http.StatusServiceUnavailable }
func (e *CircuitOpenError) Kind() string    { return "circuit_open" }
