// Sentinel errors shared across the gateway. Callers match them with
// errors.Is; the HTTP layer maps them to status codes.
package domain

import "errors"

var (
	// ErrValidation marks a request rejected before any external call.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown account or login session.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a login attempt for a name that is already connected.
	ErrConflict = errors.New("already connected")

	// ErrAuth marks a rejected two-factor password.
	ErrAuth = errors.New("incorrect password")

	// ErrPasswordNeeded is returned by sign-in when the account has
	// two-factor auth enabled and a password check is required.
	ErrPasswordNeeded = errors.New("password needed")

	// ErrConnection marks a failure reaching Telegram or dispatching a code.
	ErrConnection = errors.New("connection failed")

	// ErrDelivery marks a message send rejected by Telegram.
	ErrDelivery = errors.New("delivery failed")
)
