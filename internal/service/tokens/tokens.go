// Package tokens implements single-use purchase tokens for anonymous orders.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelstorage"
	serviceErrors "github.com/danilovkiri/dk-go-smsbroker/internal/service/errors"
	"github.com/danilovkiri/dk-go-smsbroker/internal/storage"
	storageErrors "github.com/danilovkiri/dk-go-smsbroker/internal/storage/errors"
	"github.com/rs/zerolog"
)

const tokenBytes = 24

// ErrInvalidToken is returned for missing and already used tokens alike.
var ErrInvalidToken = &serviceErrors.CapabilityDeniedError{Msg: "purchase token is invalid or expired"}

// Store defines attributes of a struct available to its methods.
type Store struct {
	storage storage.Tokens
	log     *zerolog.Logger
}

// NewStore initializes a token store.
func NewStore(st storage.Tokens, log *zerolog.Logger) *Store {
	return &Store{storage: st, log: log}
}

// Mint stores a fresh unused token bound to a (service, country) pair.
func (s *Store) Mint(ctx context.Context, serviceID, countryID string) (string, error) {
	if serviceID == "" || countryID == "" {
		return "", &serviceErrors.InvalidInputError{Msg: "service and country are required"}
	}
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(b)
	err := s.storage.AddToken(ctx, modelstorage.TokenStorageEntry{
		Token:     token,
		ServiceID: serviceID,
		CountryID: countryID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	s.log.Info().Msg(fmt.Sprintf("purchase token minted for %s/%s", serviceID, countryID))
	return token, nil
}

// Lookup returns an unused token without consuming it. A missing token and a
// used token fail identically.
func (s *Store) Lookup(ctx context.Context, token string) (*modelstorage.TokenStorageEntry, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	entry, err := s.storage.GetToken(ctx, token)
	if err != nil {
		var notFound *storageErrors.NotFoundError
		if errors.As(err, &notFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if entry.IsUsed {
		return nil, ErrInvalidToken
	}
	return entry, nil
}

// Consume marks the token used. A missing token and a used token fail identically.
func (s *Store) Consume(ctx context.Context, token string) (*modelstorage.TokenStorageEntry, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	entry, err := s.storage.ConsumeToken(ctx, token)
	if err != nil {
		var notFound *storageErrors.NotFoundError
		if errors.As(err, &notFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return entry, nil
}

// Release re-enables the token for exactly one more order.
func (s *Store) Release(ctx context.Context, token string) error {
	released, err := s.storage.ReleaseToken(ctx, token)
	if err != nil {
		return err
	}
	if !released {
		s.log.Warn().Msg("purchase token release found an unused or missing token")
	}
	return nil
}
