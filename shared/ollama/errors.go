package ollama

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TransportError means the request never produced an HTTP response:
// refused connection, DNS failure or an expired deadline.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ollama transport %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the call ran out of time.
func (e *TransportError) Timeout() bool {
	var ne net.Error
	if errors.As(e.Err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// ServerError is a non-2xx status or a 2xx with no body.
type ServerError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ollama server %d: %s", e.StatusCode, e.Status)
	}
	return fmt.Sprintf("ollama server %d: %s: %s", e.StatusCode, e.Status, e.Body)
}

// MalformedResponseError carries the raw body that failed to decode.
type MalformedResponseError struct {
	Body string
	Err  error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("ollama malformed response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

const (
	KindTransport = "transport"
	KindServer    = "server"
	KindMalformed = "malformed_response"
	KindUnknown   = "unknown"
)

// Kind names the failure class of err for logs and event payloads.
func Kind(err error) string {
	var (
		te *TransportError
		se *ServerError
		me *MalformedResponseError
	)
	switch {
	case errors.As(err, &te):
		return KindTransport
	case errors.As(err, &se):
		return KindServer
	case errors.As(err, &me):
		return KindMalformed
	default:
		return KindUnknown
	}
}
