package substrate

import "fmt"

// RemoteError is a well-formed JSON-RPC error object returned by a node.
// Remote errors are never retried; the node answered, the request was wrong.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("node error %d: %s", e.Code, e.Message)
}

// TransportError wraps a socket/connection level failure against one node URL.
// Transport errors are retryable against another endpoint.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure against %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
