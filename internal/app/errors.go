package app

import (
	"errors"

	"virtualg/internal/metering"
)

var (
	// ErrInvalidCredentials hides whether the email or the password was
	// wrong.
	ErrInvalidCredentials = errors.New("incorrect email or password")

	// ErrEmailTaken is returned when registering an existing email.
	ErrEmailTaken = errors.New("email already registered")

	// ErrInvalidEmail is returned for unparsable registration emails.
	ErrInvalidEmail = errors.New("invalid email address")

	// ErrEmptyMessage is returned when a chat turn has neither text nor an
	// image.
	ErrEmptyMessage = errors.New("provide text or image_url")

	// ErrSessionNotFound covers unknown, malformed, and foreign session
	// ids alike.
	ErrSessionNotFound = errors.New("session not found")

	// ErrPaymentIncomplete is returned when confirming an intent that has
	// not succeeded yet.
	ErrPaymentIncomplete = errors.New("payment not completed")

	// ErrPaymentProcessed is returned when confirming an intent that was
	// already reconciled.
	ErrPaymentProcessed = errors.New("payment already processed")

	// ErrPaymentForbidden is returned when confirming an intent that
	// belongs to a different account.
	ErrPaymentForbidden = errors.New("payment not authorized for this user")

	// ErrVoiceUnavailable is returned when no voice backend is configured.
	ErrVoiceUnavailable = errors.New("voice chat is not configured")
)

// InsufficientCreditsError rejects an operation the balance cannot cover.
// It carries everything the client needs to render a purchase prompt.
type InsufficientCreditsError struct {
	Decision metering.Decision
}

func (e *InsufficientCreditsError) Error() string {
	return e.Decision.Message()
}

// AsInsufficientCredits unwraps err into an InsufficientCreditsError.
func AsInsufficientCredits(err error) (*InsufficientCreditsError, bool) {
	var ice *InsufficientCreditsError
	if errors.As(err, &ice) {
		return ice, true
	}
	return nil, false
}
