package chat

import "errors"

// Error classes. Errors returned by the sync core wrap one of these, so
// callers can branch with errors.Is.
var (
	// ErrSessionExpired means a collaborator rejected the credential. It is
	// terminal for the session: the credential must be cleared and the user
	// must authenticate again.
	ErrSessionExpired = errors.New("session expired")

	// ErrUnavailable is a transient network or service failure. The caller
	// decides whether to retry.
	ErrUnavailable = errors.New("service unavailable")

	// ErrValidation is a local rejection that never reaches the network.
	ErrValidation = errors.New("validation failed")

	// ErrChannel is a live-connection failure. It is reported but does not
	// end the session by itself.
	ErrChannel = errors.New("live channel error")
)
