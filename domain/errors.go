package domain

import "errors"

// Client-visible error taxonomy. Handlers map these to HTTP statuses;
// anything else is logged server-side and surfaced as a generic server
// error with no internal detail.
var (
	// ErrNotFound covers both a missing entity and one owned by someone
	// else, so ownership is never leaked through error shapes.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidCredentials is returned for an unknown email and a wrong
	// password alike, preventing account enumeration.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrDuplicateAccount signals a registration conflict on email or handle.
	ErrDuplicateAccount = errors.New("user already exists")

	// ErrUpstreamUnavailable signals that the federated identity provider
	// could not be reached.
	ErrUpstreamUnavailable = errors.New("identity provider unavailable")
)

// ValidationError reports a malformed or missing field with field-level
// detail safe to show to the client.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// IsValidation reports whether err is a field validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
