// Package payments integrates the external payment processor. The rest of
// the system only sees Provider: create an intent, re-fetch its authoritative
// state, verify a signed webhook, and close the idempotency window by marking
// an intent processed.
package payments

import (
	"context"
	"errors"
)

// StatusSucceeded is the only intent state that may be reconciled.
const StatusSucceeded = "succeeded"

// Metadata keys carried on every credit-purchase intent.
const (
	MetaUserEmail = "user_email"
	MetaCredits   = "credits_to_purchase"
	MetaProcessed = "processed"
	MetaType      = "type"
)

var (
	// ErrInvalidWebhook covers bad signatures and unparsable payloads.
	ErrInvalidWebhook = errors.New("invalid webhook")
)

// Intent is the subset of the processor's payment-intent state this system
// reacts to. The processor owns the lifecycle.
type Intent struct {
	ID           string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       string
	UserEmail    string
	Credits      int64
	Processed    bool
}

// Event is a verified webhook event.
type Event struct {
	Type   string
	Intent Intent
	Raw    []byte
}

// Provider abstracts the payment processor.
type Provider interface {
	CreateIntent(ctx context.Context, amountPence int64, currency, userEmail string, credits int64) (Intent, error)
	GetIntent(ctx context.Context, id string) (Intent, error)
	MarkProcessed(ctx context.Context, id string) error
	VerifyWebhook(payload []byte, signature string) (Event, error)
}
