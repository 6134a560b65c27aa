// Package processor implements the order lifecycle: allow-list and quota checks,
// number issuance, status reconciliation, cancellation and expiry.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danilovkiri/dk-go-smsbroker/internal/client/provider"
	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelorder"
	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelstorage"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/allowlist"
	serviceErrors "github.com/danilovkiri/dk-go-smsbroker/internal/service/errors"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/locker"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/mapper"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/quota"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/secretary"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/tokens"
	"github.com/danilovkiri/dk-go-smsbroker/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// compensationTimeout bounds rollback work that must run even if the caller went away.
const compensationTimeout = 10 * time.Second

// Services bundles the collaborators the engine orchestrates.
type Services struct {
	Ledger    *quota.Ledger
	Allowlist *allowlist.Allowlist
	Tokens    *tokens.Store
	Mapper    *mapper.Mapper
}

// Processor defines attributes of a struct available to its methods.
type Processor struct {
	storage   storage.Storage
	secretary secretary.Secretary
	provider  provider.Provider
	ledger    *quota.Ledger
	allowlist *allowlist.Allowlist
	tokens    *tokens.Store
	mapper    *mapper.Mapper
	locks     *locker.Locker
	log       *zerolog.Logger
	now       func() time.Time
	// defaultQuota is the allowed counter of a newly registered user.
	defaultQuota int
}

// InitService initializes the order lifecycle engine.
func InitService(st storage.Storage, sec secretary.Secretary, prov provider.Provider, svc Services, locks *locker.Locker, defaultQuota int, log *zerolog.Logger) (*Processor, error) {
	switch {
	case st == nil:
		return nil, &serviceErrors.ServiceFoundNilArgument{Msg: "nil storage was passed to service initializer"}
	case sec == nil:
		return nil, &serviceErrors.ServiceFoundNilArgument{Msg: "nil secretary was passed to service initializer"}
	case prov == nil:
		return nil, &serviceErrors.ServiceFoundNilArgument{Msg: "nil provider was passed to service initializer"}
	case svc.Ledger == nil || svc.Allowlist == nil || svc.Tokens == nil || svc.Mapper == nil:
		return nil, &serviceErrors.ServiceFoundNilArgument{Msg: "incomplete services were passed to service initializer"}
	case locks == nil:
		return nil, &serviceErrors.ServiceFoundNilArgument{Msg: "nil locker was passed to service initializer"}
	}
	return &Processor{
		storage:   st,
		secretary: sec,
		provider:  prov,
		ledger:    svc.Ledger,
		allowlist: svc.Allowlist,
		tokens:    svc.Tokens,
		mapper:    svc.Mapper,
		locks:     locks,
		log:       log,
		now:       time.Now,

		defaultQuota: defaultQuota,
	}, nil
}

func orderKey(providerOrderID string) string {
	return "order:" + providerOrderID
}

func toOrder(entry *modelstorage.OrderStorageEntry) *modelorder.Order {
	return &modelorder.Order{
		ID:              entry.OrderID,
		Owner:           modelorder.Owner{UserID: entry.UserID, Token: entry.Token},
		ServiceID:       entry.ServiceID,
		CountryID:       entry.CountryID,
		PhoneNumber:     entry.PhoneNumber,
		ProviderOrderID: entry.ProviderOrderID,
		Status:          modelorder.Status(entry.Status),
		SMSCode:         entry.SMSCode,
		CreatedAt:       entry.CreatedAt,
	}
}

// detached returns a context for rollback work that survives caller cancellation.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
}

// GenerateNumber issues a number to an authenticated user. The quota unit reserved
// up front is returned whenever no order row ends up persisted.
func (proc *Processor) GenerateNumber(ctx context.Context, userID, serviceID, countryID string) (*modelorder.Order, error) {
	if userID == "" || serviceID == "" || countryID == "" {
		return nil, &serviceErrors.InvalidInputError{Msg: "service_id and country_id are required"}
	}
	allowed, err := proc.allowlist.IsAllowed(ctx, userID, serviceID, countryID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &serviceErrors.CapabilityDeniedError{Msg: fmt.Sprintf("service %s in country %s is not enabled for your account", serviceID, countryID)}
	}
	reserved, err := proc.ledger.TryReserve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, &serviceErrors.QuotaExceededError{UserID: userID}
	}
	order, err := proc.issue(ctx, modelorder.ForUser(userID), serviceID, countryID)
	if err != nil {
		cctx, cancel := detached(ctx)
		defer cancel()
		if releaseErr := proc.ledger.Release(cctx, userID); releaseErr != nil {
			proc.log.Error().Err(releaseErr).Str("user_id", userID).Msg("quota rollback after failed issuance failed")
		}
		return nil, err
	}
	return order, nil
}

// DirectGenerate issues a number against a purchase token. The token is bound to
// its (service, country) pair; empty request fields default to the token's pair.
func (proc *Processor) DirectGenerate(ctx context.Context, token, serviceID, countryID string) (*modelorder.Order, error) {
	if token == "" {
		return nil, &serviceErrors.InvalidInputError{Msg: "token is required"}
	}
	peeked, err := proc.tokens.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	// a request for another pair must not hold the token even briefly
	if !pairMatches(peeked, serviceID, countryID) {
		return nil, tokens.ErrInvalidToken
	}
	entry, err := proc.tokens.Consume(ctx, token)
	if err != nil {
		return nil, err
	}
	rollback := func() {
		cctx, cancel := detached(ctx)
		defer cancel()
		if releaseErr := proc.tokens.Release(cctx, token); releaseErr != nil {
			proc.log.Error().Err(releaseErr).Msg("purchase token rollback after failed issuance failed")
		}
	}
	if !pairMatches(entry, serviceID, countryID) {
		rollback()
		return nil, tokens.ErrInvalidToken
	}
	order, err := proc.issue(ctx, modelorder.ForToken(token), entry.ServiceID, entry.CountryID)
	if err != nil {
		rollback()
		return nil, err
	}
	return order, nil
}

func pairMatches(entry *modelstorage.TokenStorageEntry, serviceID, countryID string) bool {
	return (serviceID == "" || serviceID == entry.ServiceID) && (countryID == "" || countryID == entry.CountryID)
}

// issue leases a number and persists the order. On a persistence failure the lease
// is handed back to the provider on a best-effort basis.
func (proc *Processor) issue(ctx context.Context, owner modelorder.Owner, serviceID, countryID string) (*modelorder.Order, error) {
	lease, err := proc.provider.RequestNumber(ctx,
		proc.mapper.Resolve(serviceID, mapper.KindService),
		proc.mapper.Resolve(countryID, mapper.KindCountry))
	if err != nil {
		proc.log.Error().Err(err).Msg(fmt.Sprintf("number request for %s/%s failed", serviceID, countryID))
		return nil, err
	}
	unlock, err := proc.locks.Lock(ctx, orderKey(lease.ProviderOrderID))
	if err != nil {
		proc.abandonLease(ctx, lease)
		return nil, err
	}
	defer unlock()
	entry := modelstorage.OrderStorageEntry{
		OrderID:         uuid.New().String(),
		UserID:          owner.UserID,
		Token:           owner.Token,
		ServiceID:       serviceID,
		CountryID:       countryID,
		PhoneNumber:     lease.PhoneNumber,
		ProviderOrderID: lease.ProviderOrderID,
		Status:          string(modelorder.StatusWaiting),
		CreatedAt:       proc.now().UTC(),
	}
	if err := proc.storage.AddNewOrder(ctx, entry); err != nil {
		proc.abandonLease(ctx, lease)
		return nil, serviceErrors.FromStorage(err, "order")
	}
	proc.log.Info().Str("order_id", lease.ProviderOrderID).Msg(fmt.Sprintf("number issued for %s/%s", serviceID, countryID))
	return toOrder(&entry), nil
}

func (proc *Processor) abandonLease(ctx context.Context, lease *modelorder.Lease) {
	cctx, cancel := detached(ctx)
	defer cancel()
	if err := proc.provider.Cancel(cctx, lease.ProviderOrderID); err != nil {
		proc.log.Error().Err(err).Str("order_id", lease.ProviderOrderID).Msg("lease could not be returned to the provider")
	}
}

// load fetches an order and checks that owner may act on it.
func (proc *Processor) load(ctx context.Context, owner modelorder.Owner, providerOrderID string) (*modelstorage.OrderStorageEntry, error) {
	if providerOrderID == "" {
		return nil, &serviceErrors.InvalidInputError{Msg: "order_id is required"}
	}
	if !owner.Valid() {
		return nil, &serviceErrors.InvalidInputError{Msg: "exactly one of user and token is required"}
	}
	entry, err := proc.storage.GetOrder(ctx, providerOrderID)
	if err != nil {
		return nil, serviceErrors.FromStorage(err, fmt.Sprintf("order %s", providerOrderID))
	}
	if entry.UserID != owner.UserID || entry.Token != owner.Token {
		return nil, &serviceErrors.CapabilityDeniedError{Msg: fmt.Sprintf("order %s does not belong to the caller", providerOrderID)}
	}
	return entry, nil
}

// GetOrderStatus reconciles a user's order with the provider.
func (proc *Processor) GetOrderStatus(ctx context.Context, userID, providerOrderID string) (*modelorder.Order, error) {
	return proc.status(ctx, modelorder.ForUser(userID), providerOrderID)
}

// DirectStatus reconciles a token-backed order with the provider.
func (proc *Processor) DirectStatus(ctx context.Context, token, providerOrderID string) (*modelorder.Order, error) {
	if token == "" {
		return nil, &serviceErrors.InvalidInputError{Msg: "token is required"}
	}
	return proc.status(ctx, modelorder.ForToken(token), providerOrderID)
}

func (proc *Processor) status(ctx context.Context, owner modelorder.Owner, providerOrderID string) (*modelorder.Order, error) {
	unlock, err := proc.locks.Lock(ctx, orderKey(providerOrderID))
	if err != nil {
		return nil, err
	}
	defer unlock()
	entry, err := proc.load(ctx, owner, providerOrderID)
	if err != nil {
		return nil, err
	}
	return proc.reconcile(ctx, entry)
}

// reconcile asks the provider for the outcome of a waiting order and commits the
// resulting transition. Terminal orders are returned as stored. Caller must hold the order lock.
func (proc *Processor) reconcile(ctx context.Context, entry *modelstorage.OrderStorageEntry) (*modelorder.Order, error) {
	if modelorder.Status(entry.Status).IsTerminal() {
		return toOrder(entry), nil
	}
	outcome, err := proc.provider.CheckStatus(ctx, entry.ProviderOrderID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch outcome.Status() {
	case modelorder.StatusReceived:
		if _, err := proc.storage.ResolveOrder(ctx, entry.ProviderOrderID, string(modelorder.StatusReceived), outcome.Code); err != nil {
			return nil, err
		}
		proc.log.Info().Str("order_id", entry.ProviderOrderID).Msg("sms code received")
	case modelorder.StatusCancelled:
		closed, err := proc.storage.CloseOrder(ctx, entry.ProviderOrderID, string(modelorder.StatusCancelled))
		if err != nil {
			return nil, err
		}
		if closed {
			proc.log.Info().Str("order_id", entry.ProviderOrderID).Msg("order cancelled by provider, unit returned")
		}
	default:
		return toOrder(entry), nil
	}
	fresh, err := proc.storage.GetOrder(ctx, entry.ProviderOrderID)
	if err != nil {
		return nil, err
	}
	return toOrder(fresh), nil
}

// CancelOrder cancels a user's waiting order and returns its quota unit.
func (proc *Processor) CancelOrder(ctx context.Context, userID, providerOrderID string) (*modelorder.Order, error) {
	return proc.cancel(ctx, modelorder.ForUser(userID), providerOrderID)
}

// DirectCancel cancels a token-backed waiting order and re-enables the token.
func (proc *Processor) DirectCancel(ctx context.Context, token, providerOrderID string) (*modelorder.Order, error) {
	if token == "" {
		return nil, &serviceErrors.InvalidInputError{Msg: "token is required"}
	}
	return proc.cancel(ctx, modelorder.ForToken(token), providerOrderID)
}

func (proc *Processor) cancel(ctx context.Context, owner modelorder.Owner, providerOrderID string) (*modelorder.Order, error) {
	unlock, err := proc.locks.Lock(ctx, orderKey(providerOrderID))
	if err != nil {
		return nil, err
	}
	defer unlock()
	entry, err := proc.load(ctx, owner, providerOrderID)
	if err != nil {
		return nil, err
	}
	return proc.close(ctx, entry, modelorder.StatusCancelled)
}

// close cancels a waiting order at the provider and, only on acknowledgment, moves it
// to status with the unit or token returned. Caller must hold the order lock.
func (proc *Processor) close(ctx context.Context, entry *modelstorage.OrderStorageEntry, status modelorder.Status) (*modelorder.Order, error) {
	if modelorder.Status(entry.Status) != modelorder.StatusWaiting {
		return nil, &serviceErrors.InvalidStateError{OrderID: entry.ProviderOrderID, Status: entry.Status}
	}
	if err := proc.provider.Cancel(ctx, entry.ProviderOrderID); err != nil {
		proc.log.Error().Err(err).Str("order_id", entry.ProviderOrderID).Msg("provider did not acknowledge cancellation")
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	closed, err := proc.storage.CloseOrder(ctx, entry.ProviderOrderID, string(status))
	if err != nil {
		return nil, err
	}
	fresh, err := proc.storage.GetOrder(ctx, entry.ProviderOrderID)
	if err != nil {
		return nil, err
	}
	if !closed {
		return nil, &serviceErrors.InvalidStateError{OrderID: fresh.ProviderOrderID, Status: fresh.Status}
	}
	order := toOrder(fresh)
	if order.Owner.IsAnonymous() {
		proc.log.Info().Str("order_id", entry.ProviderOrderID).Msg(fmt.Sprintf("order %s, token re-enabled", status))
	} else {
		proc.log.Info().Str("order_id", entry.ProviderOrderID).Msg(fmt.Sprintf("order %s, unit returned", status))
	}
	return order, nil
}

// RefreshOrder reconciles any waiting order regardless of owner; used by the background refresher.
func (proc *Processor) RefreshOrder(ctx context.Context, providerOrderID string) (*modelorder.Order, error) {
	unlock, err := proc.locks.Lock(ctx, orderKey(providerOrderID))
	if err != nil {
		return nil, err
	}
	defer unlock()
	entry, err := proc.storage.GetOrder(ctx, providerOrderID)
	if err != nil {
		return nil, serviceErrors.FromStorage(err, fmt.Sprintf("order %s", providerOrderID))
	}
	return proc.reconcile(ctx, entry)
}

// ExpireOrder closes a waiting order as expired. Orders that are no longer waiting
// are returned unchanged.
func (proc *Processor) ExpireOrder(ctx context.Context, providerOrderID string) (*modelorder.Order, error) {
	unlock, err := proc.locks.Lock(ctx, orderKey(providerOrderID))
	if err != nil {
		return nil, err
	}
	defer unlock()
	entry, err := proc.storage.GetOrder(ctx, providerOrderID)
	if err != nil {
		return nil, serviceErrors.FromStorage(err, fmt.Sprintf("order %s", providerOrderID))
	}
	if modelorder.Status(entry.Status) != modelorder.StatusWaiting {
		return toOrder(entry), nil
	}
	order, err := proc.close(ctx, entry, modelorder.StatusExpired)
	var invalidState *serviceErrors.InvalidStateError
	if errors.As(err, &invalidState) {
		fresh, getErr := proc.storage.GetOrder(ctx, providerOrderID)
		if getErr != nil {
			return nil, getErr
		}
		return toOrder(fresh), nil
	}
	return order, err
}

// GetWaitingOrders lists orders still awaiting a code, oldest first.
func (proc *Processor) GetWaitingOrders(ctx context.Context, limit int) ([]modelorder.Order, error) {
	entries, err := proc.storage.GetWaitingOrders(ctx, limit)
	if err != nil {
		return nil, err
	}
	orders := make([]modelorder.Order, 0, len(entries))
	for i := range entries {
		orders = append(orders, *toOrder(&entries[i]))
	}
	return orders, nil
}

// GetOrders lists a user's orders, newest first.
func (proc *Processor) GetOrders(ctx context.Context, userID string) ([]modelorder.Order, error) {
	entries, err := proc.storage.GetOrders(ctx, userID)
	if err != nil {
		return nil, err
	}
	orders := make([]modelorder.Order, 0, len(entries))
	for i := range entries {
		orders = append(orders, *toOrder(&entries[i]))
	}
	return orders, nil
}
