package domain

import "errors"

// WireCode is the numeric category carried on an error.v1 frame.
type WireCode int

const (
	CodeBadRequest    WireCode = 4000
	CodeUnauthenticated WireCode = 4001
	CodeForbidden     WireCode = 4003
	CodeNotFound      WireCode = 4004
	CodeConflict      WireCode = 4009
	CodeRateLimited   WireCode = 4029
	CodeInternal      WireCode = 5000
)

// WireError is implemented by every member of the error taxonomy: a
// category, the wire code/symbol pair it maps to, and the wrapped cause.
type WireError interface {
	error
	Code() WireCode
	Symbol() string
	Unwrap() error
}

type taxonomyError struct {
	code   WireCode
	symbol string
	msg    string
	cause  error
}

func (e *taxonomyError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}
func (e *taxonomyError) Code() WireCode  { return e.code }
func (e *taxonomyError) Symbol() string  { return e.symbol }
func (e *taxonomyError) Unwrap() error   { return e.cause }

// ProtocolError: malformed frame, unknown type, missing field. Connection
// closes after the correlated response is sent.
func NewProtocolError(msg string, cause error) WireError {
	return &taxonomyError{code: CodeBadRequest, symbol: "BAD_REQUEST", msg: msg, cause: cause}
}

// AuthError: bad/expired token, or permission denied for an operation.
// Unauthenticated closes the connection; Forbidden leaves it open.
func NewAuthError(forbidden bool, msg string, cause error) WireError {
	if forbidden {
		return &taxonomyError{code: CodeForbidden, symbol: "FORBIDDEN", msg: msg, cause: cause}
	}
	return &taxonomyError{code: CodeUnauthenticated, symbol: "UNAUTHENTICATED", msg: msg, cause: cause}
}

// NotFoundError: room, round, or job absent.
func NewNotFoundError(msg string, cause error) WireError {
	return &taxonomyError{code: CodeNotFound, symbol: "NOT_FOUND", msg: msg, cause: cause}
}

// ConflictError: domain invariant violation — revealing an already-revealed
// round, a vote value outside the deck, a round-number race.
func NewConflictError(msg string, cause error) WireError {
	return &taxonomyError{code: CodeConflict, symbol: "CONFLICT", msg: msg, cause: cause}
}

// TransientError: EventBus unavailable, AuthorityStore retryable failure.
// Safe for the client to retry.
func NewTransientError(msg string, cause error) WireError {
	return &taxonomyError{code: CodeInternal, symbol: "INTERNAL", msg: msg, cause: cause}
}

// RateLimitedError: the caller exceeded a configured request budget.
func NewRateLimitedError(msg string) WireError {
	return &taxonomyError{code: CodeRateLimited, symbol: "RATE_LIMITED", msg: msg}
}

// FatalError: unrecoverable (disk full, data corruption). Operator-facing
// alert; never returned to a client as anything but CodeInternal.
func NewFatalError(msg string, cause error) WireError {
	return &taxonomyError{code: CodeInternal, symbol: "INTERNAL", msg: msg, cause: cause}
}

// AsWireError unwraps err looking for a WireError, falling back to an
// internal error for anything untyped escaping a domain operation. Used by
// the single gateway-boundary translation layer (§7).
func AsWireError(err error) WireError {
	if err == nil {
		return nil
	}
	var we WireError
	if errors.As(err, &we) {
		return we
	}
	return NewTransientError("unclassified error", err)
}
