package executor

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// JSON-RPC 2.0 reserves this range for implementation-defined server errors.
const (
	serverErrorMin = -32099
	serverErrorMax = -32000
)

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Retryable reports whether the code is a server error rather than a
// rejection of the request itself.
func (e *RPCError) Retryable() bool {
	return e.Code >= serverErrorMin && e.Code <= serverErrorMax
}

// StatusError is a non-2xx HTTP reply.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Message)
}

// Retryable is true for 5xx, 408 and 429.
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	default:
		return false
	}
}
