package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeProvider implements Provider against the Stripe API.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
}

// NewStripeProvider builds a provider from the secret API key and the
// webhook signing secret.
func NewStripeProvider(secretKey, webhookSecret string) (*StripeProvider, error) {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return nil, fmt.Errorf("stripe secret key required")
	}
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeProvider{
		api:           api,
		webhookSecret: strings.TrimSpace(webhookSecret),
	}, nil
}

// CreateIntent creates a payment intent carrying the purchase metadata the
// reconciler later reads back.
func (p *StripeProvider) CreateIntent(ctx context.Context, amountPence int64, currency, userEmail string, credits int64) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(amountPence),
		Currency:    stripe.String(currency),
		Description: stripe.String(fmt.Sprintf("Purchase of %d credits for %s", credits, userEmail)),
	}
	params.Context = ctx
	params.AddMetadata(MetaUserEmail, userEmail)
	params.AddMetadata(MetaCredits, strconv.FormatInt(credits, 10))
	params.AddMetadata(MetaType, "credit_purchase")
	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("create payment intent: %w", err)
	}
	return intentFromStripe(pi), nil
}

// GetIntent re-fetches the intent's authoritative state.
func (p *StripeProvider) GetIntent(ctx context.Context, id string) (Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := p.api.PaymentIntents.Get(id, params)
	if err != nil {
		return Intent{}, fmt.Errorf("get payment intent: %w", err)
	}
	return intentFromStripe(pi), nil
}

// MarkProcessed sets the processed marker on the intent metadata, closing
// the idempotency window for retried webhooks and repeated confirms.
func (p *StripeProvider) MarkProcessed(ctx context.Context, id string) error {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddMetadata(MetaProcessed, "true")
	if _, err := p.api.PaymentIntents.Update(id, params); err != nil {
		return fmt.Errorf("mark intent processed: %w", err)
	}
	return nil
}

// VerifyWebhook checks the signature over the raw payload and decodes the
// embedded intent. Signature or payload failures yield ErrInvalidWebhook.
func (p *StripeProvider) VerifyWebhook(payload []byte, signature string) (Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, p.webhookSecret)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	var pi stripe.PaymentIntent
	if len(event.Data.Raw) > 0 {
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
		}
	}
	return Event{
		Type:   string(event.Type),
		Intent: intentFromStripe(&pi),
		Raw:    payload,
	}, nil
}

func intentFromStripe(pi *stripe.PaymentIntent) Intent {
	if pi == nil {
		return Intent{}
	}
	intent := Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Status:       string(pi.Status),
	}
	if pi.Metadata != nil {
		intent.UserEmail = pi.Metadata[MetaUserEmail]
		if credits, err := strconv.ParseInt(pi.Metadata[MetaCredits], 10, 64); err == nil {
			intent.Credits = credits
		}
		intent.Processed = pi.Metadata[MetaProcessed] == "true"
	}
	return intent
}
