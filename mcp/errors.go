package mcp

import "errors"

// Kind categorizes a transport-level failure so the Session Manager knows
// whether to redirect, reconnect, or surface it untouched.
type Kind string

const (
	// KindServerCrashed means the transport observed an abrupt, unrecoverable
	// fault (an invalid-JSON frame on stdio, a dead process, ...).
	KindServerCrashed Kind = "server_crashed"
	// KindOperationTimeout means the call exceeded its deadline; the server
	// is presumed alive but slow, so the session stays connected.
	KindOperationTimeout Kind = "operation_timeout"
	// KindSessionExpired means the HTTP server returned 404 after init.
	KindSessionExpired Kind = "session_expired"
	// KindToolNotFound means the transport itself reports the tool is
	// unknown (defensive; callers should have already filtered by name).
	KindToolNotFound Kind = "tool_not_found"
)

// TransportError wraps a transport failure with its Kind so the Session
// Manager's recovery logic can switch on it without string matching.
type TransportError struct {
	Kind    Kind
	Message string
}

func (e *TransportError) Error() string {
	return e.Message
}

// NewTransportError builds a *TransportError.
func NewTransportError(kind Kind, message string) *TransportError {
	return &TransportError{Kind: kind, Message: message}
}

// KindOf reports the Kind of the *TransportError wrapped by err, if any, so
// callers can classify a failure without string matching.
func KindOf(err error) (Kind, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return "", false
}

var (
	// ErrNotConnected is returned when an operation is attempted on a
	// transport that has not completed Connect.
	ErrNotConnected = errors.New("mcp: transport not connected")
	// ErrNoSessionID is returned when the HTTP transport's initialize
	// response carries no Mcp-Session-Id header.
	ErrNoSessionID = errors.New("No session ID received from server")
)
