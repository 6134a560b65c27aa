// Package storage defines the persistence contract shared by all storage backends.
package storage

import (
	"context"

	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelstorage"
)

// Register keeps user accounts.
type Register interface {
	AddNewUser(ctx context.Context, user modelstorage.UserStorageEntry, allowed int) error
	GetUserByLogin(ctx context.Context, login string) (*modelstorage.UserStorageEntry, error)
	GetUserByID(ctx context.Context, userID string) (*modelstorage.UserStorageEntry, error)
}

// Ledger keeps per-user quota counters. Every mutation is a single conditional statement.
type Ledger interface {
	GetQuota(ctx context.Context, userID string) (*modelstorage.QuotaStorageEntry, error)
	ReserveQuota(ctx context.Context, userID string) (bool, error)
	ReleaseQuota(ctx context.Context, userID string) (bool, error)
	GrantQuota(ctx context.Context, userID string, amount int) (*modelstorage.QuotaStorageEntry, error)
}

// Allowlist keeps permitted (service, country) pairs per user.
type Allowlist interface {
	AddAllowlistEntry(ctx context.Context, entry modelstorage.AllowlistStorageEntry) error
	DeleteAllowlistEntry(ctx context.Context, entry modelstorage.AllowlistStorageEntry) (bool, error)
	HasAllowlistEntry(ctx context.Context, entry modelstorage.AllowlistStorageEntry) (bool, error)
	GetAllowlist(ctx context.Context, userID string) ([]modelstorage.AllowlistStorageEntry, error)
}

// Mappings keeps frontend to provider identifier translations.
type Mappings interface {
	GetMappings(ctx context.Context) ([]modelstorage.MappingStorageEntry, error)
	UpsertMapping(ctx context.Context, entry modelstorage.MappingStorageEntry) error
}

// Tokens keeps single-use purchase tokens.
type Tokens interface {
	AddToken(ctx context.Context, entry modelstorage.TokenStorageEntry) error
	GetToken(ctx context.Context, token string) (*modelstorage.TokenStorageEntry, error)
	// ConsumeToken flips is_used atomically; a missing or used token is a NotFoundError.
	ConsumeToken(ctx context.Context, token string) (*modelstorage.TokenStorageEntry, error)
	ReleaseToken(ctx context.Context, token string) (bool, error)
}

// Orders keeps orders and their state transitions.
type Orders interface {
	AddNewOrder(ctx context.Context, order modelstorage.OrderStorageEntry) error
	GetOrder(ctx context.Context, providerOrderID string) (*modelstorage.OrderStorageEntry, error)
	GetOrders(ctx context.Context, userID string) ([]modelstorage.OrderStorageEntry, error)
	GetWaitingOrders(ctx context.Context, limit int) ([]modelstorage.OrderStorageEntry, error)
	// ResolveOrder moves a waiting order to status or rewrites an order already in status.
	ResolveOrder(ctx context.Context, providerOrderID, status, smsCode string) (bool, error)
	// CloseOrder moves a waiting order to status and, in the same transaction, returns one
	// quota unit to its user or re-enables its purchase token. A missing order is a NotFoundError.
	CloseOrder(ctx context.Context, providerOrderID, status string) (bool, error)
}

// Storage is implemented by every storage backend.
type Storage interface {
	Register
	Ledger
	Allowlist
	Mappings
	Tokens
	Orders
	Close() error
}
