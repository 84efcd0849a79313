// Package payment provides payment provider adapters.
// Confirmed credit purchases are turned into ledger top-ups; subscription
// money handling itself stays with the provider.
package payment

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/artpar/credmeter/ports"
)

// StripeConfig holds Stripe configuration.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

// StripeProvider implements ports.PaymentProvider for Stripe.
type StripeProvider struct {
	config StripeConfig
}

// NewStripeProvider creates a new Stripe payment provider.
func NewStripeProvider(config StripeConfig) *StripeProvider {
	stripe.Key = config.SecretKey
	return &StripeProvider{config: config}
}

// Name returns the provider name.
func (p *StripeProvider) Name() string {
	return "stripe"
}

// ParseTopUp verifies a webhook event and extracts a credit purchase.
// Checkout sessions must carry user_id and credits in their metadata;
// events of any other type return ErrNotFound so callers can ignore them.
func (p *StripeProvider) ParseTopUp(payload []byte, signature string) (ports.TopUp, error) {
	event, err := webhook.ConstructEvent(payload, signature, p.config.WebhookSecret)
	if err != nil {
		return ports.TopUp{}, fmt.Errorf("verify webhook: %w", err)
	}

	if event.Type != "checkout.session.completed" {
		return ports.TopUp{}, ports.ErrNotFound
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return ports.TopUp{}, fmt.Errorf("parse checkout session: %w", err)
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return ports.TopUp{}, ports.ErrNotFound
	}

	userID := session.Metadata["user_id"]
	creditsStr := session.Metadata["credits"]
	if userID == "" || creditsStr == "" {
		return ports.TopUp{}, fmt.Errorf("checkout session %s missing user_id/credits metadata", session.ID)
	}
	credits, err := strconv.ParseInt(creditsStr, 10, 64)
	if err != nil || credits <= 0 {
		return ports.TopUp{}, fmt.Errorf("checkout session %s has invalid credits %q", session.ID, creditsStr)
	}

	return ports.TopUp{
		UserID:    userID,
		Credits:   credits,
		PaymentID: session.ID,
	}, nil
}

// Ensure interface compliance.
var _ ports.PaymentProvider = (*StripeProvider)(nil)
