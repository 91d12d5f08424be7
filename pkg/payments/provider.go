/**
 * @description
 * Provider-agnostic payout contract and the dispatcher that routes a payout
 * to the right provider binding.
 *
 * @dependencies
 * - github.com/shopspring/decimal: exact two-decimal amount encoding.
 */
package payments

import (
	"context"

	"github.com/habithero/reward-service/internal/domain"
	"github.com/shopspring/decimal"
)

// SendRequest is one payout to one recipient account.
type SendRequest struct {
	AccountID      string
	Amount         int64
	IdempotencyKey string
	Note           string
}

// SendResult is the normalized provider response.
type SendResult struct {
	ProviderTransactionID string
	Status                string
}

// Provider is implemented by every payment provider binding.
type Provider interface {
	Name() domain.Provider
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
}

// Dispatcher routes payouts to the registered provider for a payment method.
type Dispatcher struct {
	providers map[domain.Provider]Provider
}

// NewDispatcher registers the given providers by name.
func NewDispatcher(providers ...Provider) *Dispatcher {
	registry := make(map[domain.Provider]Provider, len(providers))
	for _, p := range providers {
		if p == nil {
			continue
		}
		registry[p.Name()] = p
	}
	return &Dispatcher{providers: registry}
}

// Send dispatches the payout through the provider bound to name.
func (d *Dispatcher) Send(ctx context.Context, name domain.Provider, req SendRequest) (*SendResult, error) {
	provider, ok := d.providers[name]
	if !ok {
		return nil, &ConfigurationError{Provider: name, Missing: "provider binding"}
	}
	return provider.Send(ctx, req)
}

// FormatAmount renders minor units as a fixed two-decimal string, e.g. 6000 -> "60.00".
func FormatAmount(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
