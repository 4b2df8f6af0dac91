package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// Authentication outcomes. Callers compare with errors.Is.
var (
	// ErrMissingCredential indicates no Authorization header was sent.
	ErrMissingCredential = errors.New("missing credential")

	// ErrMalformedCredential indicates the header is not "Bearer <credential>".
	ErrMalformedCredential = errors.New("malformed credential")

	// ErrInvalidCredential covers unknown keys, revoked keys, bad signatures
	// and wrong issuer or audience.
	ErrInvalidCredential = errors.New("invalid or inactive credential")

	// ErrExpiredCredential indicates the credential was genuine but expired.
	ErrExpiredCredential = errors.New("credential expired")

	// ErrAccountNotFound indicates a valid credential with no account behind it.
	ErrAccountNotFound = errors.New("account not found")

	// ErrProviderUnavailable indicates the identity provider could not be
	// reached. It is retryable.
	ErrProviderUnavailable = errors.New("identity provider unavailable")

	// ErrPersistenceFailure indicates the database failed. It must never be
	// reported as a credential rejection.
	ErrPersistenceFailure = errors.New("persistence failure")
)

// Error attaches an internal reason to one of the sentinel kinds above. The
// reason is for logs; clients only ever see the kind.
type Error struct {
	Kind   error
	Reason string
	Err    error
}

// NewError creates an Error of the given kind.
func NewError(kind error, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Reason returns the diagnostic reason recorded on err, if any.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Persistence wraps a database error as ErrPersistenceFailure.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return NewError(ErrPersistenceFailure, op, err)
}

// HTTPStatus maps an authentication error onto the response status.
// Credential rejections are 401, infrastructure failures are 503.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrPersistenceFailure):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrMissingCredential),
		errors.Is(err, ErrMalformedCredential),
		errors.Is(err, ErrInvalidCredential),
		errors.Is(err, ErrExpiredCredential),
		errors.Is(err, ErrAccountNotFound):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message a client sees for err. Invalid, expired and
// revoked credentials share one message.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return "Missing authorization header"
	case errors.Is(err, ErrMalformedCredential):
		return "Invalid authorization header format"
	case errors.Is(err, ErrProviderUnavailable):
		return "Identity provider temporarily unavailable"
	case errors.Is(err, ErrPersistenceFailure):
		return "Service temporarily unavailable"
	case errors.Is(err, ErrInvalidCredential),
		errors.Is(err, ErrExpiredCredential),
		errors.Is(err, ErrAccountNotFound):
		return "Invalid or inactive credentials"
	default:
		return "Internal server error"
	}
}
