package core

import (
	"fmt"
)

// Error is the canonical typed error for the call-session client.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrPermission: microphone access denied. Fatal to the connect attempt,
	// surfaced to the user, never retried automatically.
	ErrPermission ErrorType = "permission_error"
	// ErrTransport: network/socket failure. Drives the reconnect state machine.
	ErrTransport ErrorType = "transport_error"
	// ErrNegotiation: peer-link setup failure. Fatal to that link instance.
	ErrNegotiation ErrorType = "negotiation_error"
	// ErrSynthesis: backend AI synthesis failure. Recovered locally by forcing
	// operator mode.
	ErrSynthesis ErrorType = "synthesis_error"
	// ErrDecode: bad audio payload. Recovered locally by skipping the chunk.
	ErrDecode ErrorType = "decode_error"
	// ErrConnection: connect handshake failed or timed out.
	ErrConnection ErrorType = "connection_error"
	// ErrInvalidRequest: caller misuse of the API.
	ErrInvalidRequest ErrorType = "invalid_request_error"
)

// NewPermissionError creates a microphone permission error.
func NewPermissionError(message string, cause error) *Error {
	return &Error{Type: ErrPermission, Message: message, Cause: cause}
}

// NewTransportError creates a transport-level error.
func NewTransportError(message string, cause error) *Error {
	return &Error{Type: ErrTransport, Message: message, Cause: cause}
}

// NewNegotiationError creates a peer negotiation error.
func NewNegotiationError(message string, cause error) *Error {
	return &Error{Type: ErrNegotiation, Message: message, Cause: cause}
}

// NewSynthesisError creates a backend synthesis error.
func NewSynthesisError(message, code string) *Error {
	return &Error{Type: ErrSynthesis, Message: message, Code: code}
}

// NewDecodeError creates an audio decode error.
func NewDecodeError(message string, cause error) *Error {
	return &Error{Type: ErrDecode, Message: message, Cause: cause}
}

// NewConnectionError creates a connect-handshake error.
func NewConnectionError(message string, cause error) *Error {
	return &Error{Type: ErrConnection, Message: message, Cause: cause}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// IsRecoverable reports whether the session can keep running after this
// error without a full reconnect.
func (e *Error) IsRecoverable() bool {
	switch e.Type {
	case ErrSynthesis, ErrDecode:
		return true
	default:
		return false
	}
}
