package livecall

import (
	"fmt"
	"net/url"

	"github.com/JRiishi/HoneyCatcher/pkg/core"
)

// SDK-level error type that wraps core errors
type Error = core.Error

// Error types
const (
	ErrInvalidRequest = core.ErrInvalidRequest
	ErrPermission     = core.ErrPermission
	ErrTransport      = core.ErrTransport
	ErrNegotiation    = core.ErrNegotiation
	ErrSynthesis      = core.ErrSynthesis
	ErrDecode         = core.ErrDecode
	ErrConnection     = core.ErrConnection
)

// Error constructors
var (
	NewInvalidRequestError = core.NewInvalidRequestError
	NewPermissionError     = core.NewPermissionError
	NewConnectionError     = core.NewConnectionError
	NewNegotiationError    = core.NewNegotiationError
)

// TransportError represents transport-level failures (DNS, timeouts,
// connection reset, TLS handshake, etc.) while talking to the backend.
//
// Use errors.As(err, &TransportError{}) to distinguish transport failures
// from canonical call errors (*core.Error).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLQuery(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// redactURLQuery strips credentials that ride on the URL (userinfo and the
// api_key query parameter) before the URL lands in an error string.
func redactURLQuery(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	q := parsed.Query()
	if q.Has("api_key") {
		q.Set("api_key", "redacted")
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}
