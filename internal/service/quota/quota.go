// Package quota implements the per-user quota ledger.
package quota

import (
	"context"
	"fmt"

	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelstorage"
	serviceErrors "github.com/danilovkiri/dk-go-smsbroker/internal/service/errors"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/locker"
	"github.com/danilovkiri/dk-go-smsbroker/internal/storage"
	"github.com/rs/zerolog"
)

// Ledger guards the used <= allowed invariant. Calls for the same user are
// serialized; different users proceed in parallel.
type Ledger struct {
	storage storage.Ledger
	locks   *locker.Locker
	log     *zerolog.Logger
}

// NewLedger initializes a quota ledger.
func NewLedger(st storage.Ledger, locks *locker.Locker, log *zerolog.Logger) *Ledger {
	return &Ledger{storage: st, locks: locks, log: log}
}

func lockKey(userID string) string {
	return "quota:" + userID
}

// TryReserve spends one unit if used < allowed and reports whether it did. A user
// without a quota row is reported as NotFound rather than exhausted.
func (l *Ledger) TryReserve(ctx context.Context, userID string) (bool, error) {
	unlock, err := l.locks.Lock(ctx, lockKey(userID))
	if err != nil {
		return false, err
	}
	defer unlock()
	reserved, err := l.storage.ReserveQuota(ctx, userID)
	if err != nil {
		return false, err
	}
	if !reserved {
		if _, err := l.storage.GetQuota(ctx, userID); err != nil {
			return false, serviceErrors.FromStorage(err, "quota")
		}
		l.log.Info().Str("user_id", userID).Msg("quota reservation refused")
	}
	return reserved, nil
}

// Release returns one unit. Releasing with nothing used is floored at zero and logged.
func (l *Ledger) Release(ctx context.Context, userID string) error {
	unlock, err := l.locks.Lock(ctx, lockKey(userID))
	if err != nil {
		return err
	}
	defer unlock()
	released, err := l.storage.ReleaseQuota(ctx, userID)
	if err != nil {
		return err
	}
	if !released {
		l.log.Warn().Str("user_id", userID).Msg("quota release found nothing to release")
	}
	return nil
}

// Grant raises the allowed counter by amount.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int) (*modelstorage.QuotaStorageEntry, error) {
	if amount <= 0 {
		return nil, &serviceErrors.InvalidInputError{Msg: fmt.Sprintf("grant amount must be positive, got %d", amount)}
	}
	unlock, err := l.locks.Lock(ctx, lockKey(userID))
	if err != nil {
		return nil, err
	}
	defer unlock()
	entry, err := l.storage.GrantQuota(ctx, userID, amount)
	if err != nil {
		return nil, serviceErrors.FromStorage(err, "quota")
	}
	l.log.Info().Str("user_id", userID).Int("allowed", entry.Allowed).Int("used", entry.Used).Msg("quota granted")
	return entry, nil
}

// Balance returns the current counters.
func (l *Ledger) Balance(ctx context.Context, userID string) (*modelstorage.QuotaStorageEntry, error) {
	entry, err := l.storage.GetQuota(ctx, userID)
	if err != nil {
		return nil, serviceErrors.FromStorage(err, "quota")
	}
	return entry, nil
}
