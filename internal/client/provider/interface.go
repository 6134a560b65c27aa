// Package provider defines the upstream SMS provider client contract.
package provider

import (
	"context"

	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelorder"
)

// Provider normalizes one upstream integration. Every method performs at most one
// round-trip and never retries.
type Provider interface {
	// RequestNumber leases a phone number for the provider-side service and country ids.
	RequestNumber(ctx context.Context, serviceID, countryID string) (*modelorder.Lease, error)
	// CheckStatus reports the provider-side state of an order; unknown replies are Waiting.
	CheckStatus(ctx context.Context, providerOrderID string) (modelorder.Outcome, error)
	// Cancel returns nil only when the provider acknowledged the cancellation.
	Cancel(ctx context.Context, providerOrderID string) error
	// Name identifies the implementation in logs.
	Name() string
}
