// Package allowlist keeps the (service, country) pairs each user may order.
package allowlist

import (
	"context"
	"fmt"

	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelstorage"
	serviceErrors "github.com/danilovkiri/dk-go-smsbroker/internal/service/errors"
	"github.com/danilovkiri/dk-go-smsbroker/internal/storage"
	"github.com/rs/zerolog"
)

// Allowlist defines attributes of a struct available to its methods.
type Allowlist struct {
	storage storage.Allowlist
	log     *zerolog.Logger
}

// NewAllowlist initializes an allow-list service.
func NewAllowlist(st storage.Allowlist, log *zerolog.Logger) *Allowlist {
	return &Allowlist{storage: st, log: log}
}

func entry(userID, serviceID, countryID string) modelstorage.AllowlistStorageEntry {
	return modelstorage.AllowlistStorageEntry{UserID: userID, ServiceID: serviceID, CountryID: countryID}
}

// Allow permits the pair for the user; permitting an existing pair is an InvalidInputError.
func (a *Allowlist) Allow(ctx context.Context, userID, serviceID, countryID string) error {
	if serviceID == "" || countryID == "" {
		return &serviceErrors.InvalidInputError{Msg: "service and country are required"}
	}
	err := a.storage.AddAllowlistEntry(ctx, entry(userID, serviceID, countryID))
	if err != nil {
		return serviceErrors.FromStorage(err, fmt.Sprintf("allow-list entry %s/%s", serviceID, countryID))
	}
	a.log.Info().Str("user_id", userID).Msg(fmt.Sprintf("allowed %s/%s", serviceID, countryID))
	return nil
}

// Deny removes the pair; removing an absent pair is a NotFoundError.
func (a *Allowlist) Deny(ctx context.Context, userID, serviceID, countryID string) error {
	removed, err := a.storage.DeleteAllowlistEntry(ctx, entry(userID, serviceID, countryID))
	if err != nil {
		return err
	}
	if !removed {
		return &serviceErrors.NotFoundError{Msg: fmt.Sprintf("allow-list entry %s/%s not found", serviceID, countryID)}
	}
	a.log.Info().Str("user_id", userID).Msg(fmt.Sprintf("denied %s/%s", serviceID, countryID))
	return nil
}

// IsAllowed reports whether the pair is permitted for the user.
func (a *Allowlist) IsAllowed(ctx context.Context, userID, serviceID, countryID string) (bool, error) {
	return a.storage.HasAllowlistEntry(ctx, entry(userID, serviceID, countryID))
}

// List returns the user's permitted pairs.
func (a *Allowlist) List(ctx context.Context, userID string) ([]modelstorage.AllowlistStorageEntry, error) {
	return a.storage.GetAllowlist(ctx, userID)
}
