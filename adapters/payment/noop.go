package payment

import (
	"errors"

	"github.com/artpar/credmeter/ports"
)

// ErrPaymentsDisabled is returned when payments are not configured.
var ErrPaymentsDisabled = errors.New("payments are not configured")

// NoopProvider is a no-op payment provider for when payments are disabled.
type NoopProvider struct{}

// NewNoopProvider creates a new no-op payment provider.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

// Name returns the provider name.
func (p *NoopProvider) Name() string {
	return "none"
}

// ParseTopUp returns an error as payments are disabled.
func (p *NoopProvider) ParseTopUp(payload []byte, signature string) (ports.TopUp, error) {
	return ports.TopUp{}, ErrPaymentsDisabled
}

// Ensure interface compliance.
var _ ports.PaymentProvider = (*NoopProvider)(nil)
