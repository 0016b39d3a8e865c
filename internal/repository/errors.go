package repository

import "fmt"

// TransportErrorKind classifies a failed collector call.
type TransportErrorKind int

const (
	// KindTimeout: the request deadline elapsed. Retryable.
	KindTimeout TransportErrorKind = iota
	// KindConnection: the connection could not be established or was lost.
	// Retryable.
	KindConnection
	// KindServerError: the collector answered 5xx. Retryable.
	KindServerError
	// KindClientError: the collector answered 4xx, the request itself is
	// bad. Terminal, retrying would fail the same way.
	KindClientError
)

func (k TransportErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection_lost"
	case KindServerError:
		return "server_error"
	case KindClientError:
		return "client_error"
	}
	return "unknown"
}

// TransportError is a failed collector call with enough classification for
// the flush retry decision.
type TransportError struct {
	Kind   TransportErrorKind
	Status int // HTTP status, 0 for network-level failures
	Cause  error
}

func (e *TransportError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("collector %s (status %d)", e.Kind, e.Status)
	}
	if e.Cause != nil {
		return fmt.Sprintf("collector %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("collector %s", e.Kind)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure is transient: the record stays
// queued and the pass stops draining to preserve ordering.
func (e *TransportError) Retryable() bool {
	return e.Kind != KindClientError
}
