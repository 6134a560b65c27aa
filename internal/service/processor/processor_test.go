package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danilovkiri/dk-go-smsbroker/internal/client/provider"
	providerErrors "github.com/danilovkiri/dk-go-smsbroker/internal/client/provider/errors"
	"github.com/danilovkiri/dk-go-smsbroker/internal/client/provider/offline"
	"github.com/danilovkiri/dk-go-smsbroker/internal/config"
	"github.com/danilovkiri/dk-go-smsbroker/internal/logger"
	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modeldto"
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
	"github.com/danilovkiri/dk-go-smsbroker/internal/storage/insqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider returns scripted replies and records calls.
type fakeProvider struct {
	mu         sync.Mutex
	next       int
	requestErr error
	outcome    modelorder.Outcome
	statusErr  error
	cancelErr  error
	requests   []string
	cancels    []string
	delay      time.Duration
	onRequest  func()
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) RequestNumber(ctx context.Context, serviceID, countryID string) (*modelorder.Lease, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.onRequest != nil {
		f.onRequest()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, serviceID+"/"+countryID)
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	f.next++
	return &modelorder.Lease{ProviderOrderID: fmt.Sprintf("p%d", f.next), PhoneNumber: fmt.Sprintf("25470000%04d", f.next)}, nil
}

func (f *fakeProvider) CheckStatus(ctx context.Context, providerOrderID string) (modelorder.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcome, f.statusErr
}

func (f *fakeProvider) Cancel(ctx context.Context, providerOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, providerOrderID)
	return f.cancelErr
}

type fixture struct {
	proc   *Processor
	store  *insqlite.Storage
	svc    Services
	userID string
}

func newFixture(t *testing.T, prov provider.Provider) *fixture {
	t.Helper()
	ctx := context.Background()
	log := logger.New(io.Discard, "info")
	st, err := insqlite.InitStorage(filepath.Join(t.TempDir(), "engine.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	locks := locker.New()
	m, err := mapper.InitMapper(ctx, st, "", log)
	require.NoError(t, err)
	svc := Services{
		Ledger:    quota.NewLedger(st, locks, log),
		Allowlist: allowlist.NewAllowlist(st, log),
		Tokens:    tokens.NewStore(st, log),
		Mapper:    m,
	}
	sec, err := secretary.NewSecretaryService(&config.SecretConfig{SecretKey: "test-key", TokenTTL: time.Hour})
	require.NoError(t, err)
	proc, err := InitService(st, sec, prov, svc, locks, 0, log)
	require.NoError(t, err)

	auth, err := proc.AddNewUser(ctx, modeldto.Credentials{Login: "alice", Password: "password1"})
	require.NoError(t, err)
	return &fixture{proc: proc, store: st, svc: svc, userID: auth.User.ID}
}

func (f *fixture) grant(t *testing.T, n int, pairs ...[2]string) {
	t.Helper()
	ctx := context.Background()
	if n > 0 {
		_, err := f.svc.Ledger.Grant(ctx, f.userID, n)
		require.NoError(t, err)
	}
	for _, p := range pairs {
		require.NoError(t, f.svc.Allowlist.Allow(ctx, f.userID, p[0], p[1]))
	}
}

func (f *fixture) used(t *testing.T) int {
	t.Helper()
	entry, err := f.svc.Ledger.Balance(context.Background(), f.userID)
	require.NoError(t, err)
	return entry.Used
}

func TestInitService_NilArguments(t *testing.T) {
	_, err := InitService(nil, nil, nil, Services{}, nil, 0, logger.New(io.Discard, "info"))
	var nilArg *serviceErrors.ServiceFoundNilArgument
	assert.ErrorAs(t, err, &nilArg)
}

func TestGenerateNumber_OfflineUntilQuotaExhausted(t *testing.T) {
	f := newFixture(t, offline.NewClient(42, logger.New(io.Discard, "info")))
	f.grant(t, 1, [2]string{"wa", "KE"})
	ctx := context.Background()

	order, err := f.proc.GenerateNumber(ctx, f.userID, "wa", "KE")
	require.NoError(t, err)
	assert.NotEmpty(t, order.ProviderOrderID)
	assert.NotEmpty(t, order.PhoneNumber)
	assert.Equal(t, modelorder.StatusWaiting, order.Status)
	assert.Equal(t, 1, f.used(t))

	_, err = f.proc.GenerateNumber(ctx, f.userID, "wa", "KE")
	var exceeded *serviceErrors.QuotaExceededError
	assert.ErrorAs(t, err, &exceeded)
	assert.Equal(t, 1, f.used(t))
}

func TestGenerateNumber_ChecksAllowlistFirst(t *testing.T) {
	prov := &fakeProvider{}
	f := newFixture(t, prov)
	f.grant(t, 1, [2]string{"wa", "KE"})

	_, err := f.proc.GenerateNumber(context.Background(), f.userID, "tg", "KE")
	var denied *serviceErrors.CapabilityDeniedError
	assert.ErrorAs(t, err, &denied)
	assert.Equal(t, 0, f.used(t))
	assert.Empty(t, prov.requests)
}

func TestGenerateNumber_MapsIdentifiers(t *testing.T) {
	prov := &fakeProvider{}
	f := newFixture(t, prov)
	f.grant(t, 2, [2]string{"goo", "KE"}, [2]string{"zz", "QQ"})

	_, err := f.proc.GenerateNumber(context.Background(), f.userID, "goo", "KE")
	require.NoError(t, err)
	_, err = f.proc.GenerateNumber(context.Background(), f.userID, "zz", "QQ")
	require.NoError(t, err)
	assert.Equal(t, []string{"go/8", "zz/QQ"}, prov.requests)
}

func TestGenerateNumber_ProviderFailureReturnsUnit(t *testing.T) {
	prov := &fakeProvider{requestErr: providerErrors.Rejected("getNumber", "NO_NUMBERS")}
	f := newFixture(t, prov)
	f.grant(t, 1, [2]string{"wa", "KE"})

	_, err := f.proc.GenerateNumber(context.Background(), f.userID, "wa", "KE")
	var perr *providerErrors.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 0, f.used(t))

	orders, err := f.proc.GetOrders(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestGenerateNumber_CallerGoneStillRollsBack(t *testing.T) {
	prov := &fakeProvider{requestErr: &providerErrors.ProviderTimeoutError{ProviderError: providerErrors.ProviderError{Op: "getNumber", Err: context.DeadlineExceeded}}}
	f := newFixture(t, prov)
	f.grant(t, 1, [2]string{"wa", "KE"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prov.onRequest = cancel
	_, err := f.proc.GenerateNumber(ctx, f.userID, "wa", "KE")
	var terr *providerErrors.ProviderTimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 0, f.used(t))
}

func TestGenerateNumber_Concurrent(t *testing.T) {
	prov := &fakeProvider{delay: 5 * time.Millisecond}
	f := newFixture(t, prov)
	f.grant(t, 3, [2]string{"wa", "KE"})

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.proc.GenerateNumber(context.Background(), f.userID, "wa", "KE"); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, ok)
	assert.Equal(t, 3, f.used(t))
	orders, err := f.proc.GetOrders(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Len(t, orders, 3)
}

func TestOrderStatus_ReceivedIsSticky(t *testing.T) {
	prov := &fakeProvider{}
	f := newFixture(t, prov)
	f.grant(t, 1, [2]string{"wa", "KE"})
	ctx := context.Background()

	order, err := f.proc.GenerateNumber(ctx, f.userID, "wa", "KE")
	require.NoError(t, err)

	prov.outcome = modelorder.Waiting()
	got, err := f.proc.GetOrderStatus(ctx, f.userID, order.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, modelorder.StatusWaiting, got.Status)

	prov.outcome = modelorder.Received("483920")
	got, err = f.proc.GetOrderStatus(ctx, f.userID, order.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, modelorder.StatusReceived, got.Status)
	assert.Equal(t, "483920", got.SMSCode)

	prov.outcome = modelorder.Cancelled()
	prov.statusErr = providerErrors.Rejected("getStatus", "should not be called")
	got, err = f.proc.GetOrderStatus(ctx, f.userID, order.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, modelorder.StatusReceived, got.Status)

	_, err = f.proc.CancelOrder(ctx, f.userID, order.ProviderOrderID)
	var invalidState *serviceErrors.InvalidStateError
	assert.ErrorAs(t, err, &invalidState)
	assert.Equal(t, 1, f.used(t), "no refund after a code was delivered")
}

func TestOrderStatus_ProviderCancelRefunds(t *testing.T) {
	prov := &fakeProvider{}
	f := newFixture(t, prov)
	f.grant(t, 1, [2]string{"wa", "KE"})
	ctx := context.Background()

	order, err := f.proc.GenerateNumber(ctx, f.userID, "wa", "KE")
	require.NoError(t, err)
	prov.outcome = modelorder.Cancelled()
	got, err := f.proc.GetOrderStatus(ctx, f.userID, order.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, modelorder.StatusCancelled, got.Status)
	assert.Equal(t, 0, f.used(t))
}

func TestOrderStatus_ProviderErrorLeavesState(t *testing.T) {
	prov := &fakeProvider{}
	f := newFixture(t, prov)
	f.grant(t, 1, [2]string{"wa", "KE"})
	ctx := context.Background()

	order, err := f.proc.GenerateNumber(ctx, f.userID, "wa", "KE")
	require.NoError(t, err)
	prov.statusErr = providerErrors.Rejected("getStatus", "ERROR_SQL")
	_, err = f.proc.GetOrderStatus(ctx, f.userID, order.ProviderOrderID)
	require.Error(t, err)

	stored, err := f.store.GetOrder(ctx, order.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, "waiting", stored.Status)
}

func TestCancelOrder(t *testing.T) {
	prov := &fakeProvider{}
	f := newFixture(t, prov)
	f.grant(t, 1, [2]string{"wa", "KE"})
	ctx := context.Background()

	order, err := f.proc.GenerateNumber(ctx, f.userID, "wa", "KE")
	require.NoError(t, err)
	got, err := f.proc.CancelOrder(ctx, f.userID, order.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, modelorder.StatusCancelled, got.Status)
	assert.Equal(t, 0, f.used(t))

	_, err = f.proc.CancelOrder(ctx, f.userID, order.ProviderOrderID)
	var invalidState *serviceErrors.InvalidStateError
	assert.ErrorAs(t, err, &invalidState)
	assert.Equal(t, 0, f.used(t), "second cancel must not refund again")
}

func TestCancelOrder_NotAcknowledged(t *testing.T) {
	prov := &fakeProvider{}
	f := newFixture(t, prov)
	f.grant(t, 1, [2]string{"wa", "KE"})
	ctx := context.Background()

	order, err := f.proc.GenerateNumber(ctx, f.userID, "wa", "KE")
	require.NoError(t, err)
	prov.cancelErr = providerErrors.Rejected("setStatus", "EARLY_CANCEL_DENIED")
	_, err = f.proc.CancelOrder(ctx, f.userID, order.ProviderOrderID)
	var perr *providerErrors.ProviderError
	require.ErrorAs(t, err, &perr)

	stored, err := f.store.GetOrder(ctx, order.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, "waiting", stored.Status)
	assert.Equal(t, 1, f.used(t))
}

func TestOwnership(t *testing.T) {
	prov := &fakeProvider{}
	f := newFixture(t, prov)
	f.grant(t, 1, [2]string{"wa", "KE"})
	ctx := context.Background()

	order, err := f.proc.GenerateNumber(ctx, f.userID, "wa", "KE")
	require.NoError(t, err)
	other, err := f.proc.AddNewUser(ctx, modeldto.Credentials{Login: "mallory", Password: "password2"})
	require.NoError(t, err)

	var denied *serviceErrors.CapabilityDeniedError
	_, err = f.proc.GetOrderStatus(ctx, other.User.ID, order.ProviderOrderID)
	assert.ErrorAs(t, err, &denied)
	_, err = f.proc.CancelOrder(ctx, other.User.ID, order.ProviderOrderID)
	assert.ErrorAs(t, err, &denied)
	_, err = f.proc.DirectStatus(ctx, "some-token", order.ProviderOrderID)
	assert.ErrorAs(t, err, &denied)

	var notFound *serviceErrors.NotFoundError
	_, err = f.proc.GetOrderStatus(ctx, f.userID, "nope")
	assert.ErrorAs(t, err, &notFound)
}

func TestDirectGenerate_TokenLifecycle(t *testing.T) {
	prov := &fakeProvider{}
	f := newFixture(t, prov)
	ctx := context.Background()
	token, err := f.svc.Tokens.Mint(ctx, "wa", "KE")
	require.NoError(t, err)

	order, err := f.proc.DirectGenerate(ctx, token, "", "")
	require.NoError(t, err)
	assert.Equal(t, "wa", order.ServiceID)
	assert.True(t, order.Owner.IsAnonymous())
	assert.Equal(t, []string{"wa/8"}, prov.requests)

	_, err = f.proc.DirectGenerate(ctx, token, "wa", "KE")
	assert.ErrorIs(t, err, tokens.ErrInvalidToken)

	got, err := f.proc.DirectCancel(ctx, token, order.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, modelorder.StatusCancelled, got.Status)

	again, err := f.proc.DirectGenerate(ctx, token, "wa", "KE")
	require.NoError(t, err)
	prov.outcome = modelorder.Received("1111")
	got, err = f.proc.DirectStatus(ctx, token, again.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, "1111", got.SMSCode)

	_, err = f.proc.DirectCancel(ctx, token, again.ProviderOrderID)
	var invalidState *serviceErrors.InvalidStateError
	assert.ErrorAs(t, err, &invalidState)
	_, err = f.proc.DirectGenerate(ctx, token, "wa", "KE")
	assert.ErrorIs(t, err, tokens.ErrInvalidToken)
}

func TestDirectGenerate_PairMismatchKeepsToken(t *testing.T) {
	prov := &fakeProvider{}
	f := newFixture(t, prov)
	ctx := context.Background()
	token, err := f.svc.Tokens.Mint(ctx, "wa", "KE")
	require.NoError(t, err)

	_, err = f.proc.DirectGenerate(ctx, token, "tg", "KE")
	var denied *serviceErrors.CapabilityDeniedError
	assert.ErrorAs(t, err, &denied)
	assert.Empty(t, prov.requests)

	_, err = f.proc.DirectGenerate(ctx, token, "wa", "")
	assert.NoError(t, err)
}

// countingTokens records how often tokens are consumed.
type countingTokens struct {
	storage.Tokens
	mu       sync.Mutex
	consumed int
}

func (c *countingTokens) ConsumeToken(ctx context.Context, token string) (*modelstorage.TokenStorageEntry, error) {
	c.mu.Lock()
	c.consumed++
	c.mu.Unlock()
	return c.Tokens.ConsumeToken(ctx, token)
}

func TestDirectGenerate_PairMismatchNeverConsumes(t *testing.T) {
	prov := &fakeProvider{}
	f := newFixture(t, prov)
	ctx := context.Background()
	counting := &countingTokens{Tokens: f.store}
	f.proc.tokens = tokens.NewStore(counting, logger.New(io.Discard, "info"))
	token, err := f.svc.Tokens.Mint(ctx, "wa", "KE")
	require.NoError(t, err)

	_, err = f.proc.DirectGenerate(ctx, token, "wa", "NG")
	assert.ErrorIs(t, err, tokens.ErrInvalidToken)
	assert.Equal(t, 0, counting.consumed)
	entry, err := f.store.GetToken(ctx, token)
	require.NoError(t, err)
	assert.False(t, entry.IsUsed)

	_, err = f.proc.DirectGenerate(ctx, token, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, counting.consumed)
}

func TestDirectGenerate_ProviderFailureReleasesToken(t *testing.T) {
	prov := &fakeProvider{requestErr: providerErrors.Rejected("getNumber", "NO_NUMBERS")}
	f := newFixture(t, prov)
	ctx := context.Background()
	token, err := f.svc.Tokens.Mint(ctx, "wa", "KE")
	require.NoError(t, err)

	_, err = f.proc.DirectGenerate(ctx, token, "wa", "KE")
	require.Error(t, err)
	entry, err := f.store.GetToken(ctx, token)
	require.NoError(t, err)
	assert.False(t, entry.IsUsed)
}

func TestExpireOrder(t *testing.T) {
	prov := &fakeProvider{}
	f := newFixture(t, prov)
	f.grant(t, 1, [2]string{"wa", "KE"})
	ctx := context.Background()

	order, err := f.proc.GenerateNumber(ctx, f.userID, "wa", "KE")
	require.NoError(t, err)

	prov.cancelErr = providerErrors.Rejected("setStatus", "BAD_STATUS")
	_, err = f.proc.ExpireOrder(ctx, order.ProviderOrderID)
	require.Error(t, err)
	assert.Equal(t, 1, f.used(t))

	prov.cancelErr = nil
	got, err := f.proc.ExpireOrder(ctx, order.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, modelorder.StatusExpired, got.Status)
	assert.Equal(t, 0, f.used(t))

	got, err = f.proc.ExpireOrder(ctx, order.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, modelorder.StatusExpired, got.Status)
	assert.Equal(t, 0, f.used(t))

	waiting, err := f.proc.GetWaitingOrders(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, waiting)
}

func TestUsers(t *testing.T) {
	f := newFixture(t, &fakeProvider{})
	ctx := context.Background()

	_, err := f.proc.AddNewUser(ctx, modeldto.Credentials{Login: "alice", Password: "another1"})
	var invalid *serviceErrors.InvalidInputError
	assert.ErrorAs(t, err, &invalid)

	auth, err := f.proc.LoginUser(ctx, modeldto.Credentials{Login: "alice", Password: "password1"})
	require.NoError(t, err)
	userID, err := f.proc.GetUserID(auth.Token)
	require.NoError(t, err)
	assert.Equal(t, f.userID, userID)

	var unauthorized *serviceErrors.UnauthorizedError
	_, err = f.proc.LoginUser(ctx, modeldto.Credentials{Login: "alice", Password: "wrong-password"})
	assert.ErrorAs(t, err, &unauthorized)
	_, err = f.proc.LoginUser(ctx, modeldto.Credentials{Login: "nobody", Password: "password1"})
	assert.ErrorAs(t, err, &unauthorized)
	_, err = f.proc.GetUserID("garbage")
	assert.ErrorAs(t, err, &unauthorized)

	me, err := f.proc.GetMe(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, "alice", me.User.Username)
	assert.Equal(t, 0, me.Quota.Allowed)
}

func TestCancel_ReportsWhatWasReturned(t *testing.T) {
	prov := &fakeProvider{}
	f := newFixture(t, prov)
	f.grant(t, 1, [2]string{"wa", "KE"})
	ctx := context.Background()
	var buf bytes.Buffer
	f.proc.log = logger.New(&buf, "info")

	order, err := f.proc.GenerateNumber(ctx, f.userID, "wa", "KE")
	require.NoError(t, err)
	_, err = f.proc.CancelOrder(ctx, f.userID, order.ProviderOrderID)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "order cancelled, unit returned")

	token, err := f.svc.Tokens.Mint(ctx, "wa", "KE")
	require.NoError(t, err)
	order, err = f.proc.DirectGenerate(ctx, token, "", "")
	require.NoError(t, err)
	assert.True(t, order.Owner.IsAnonymous())
	_, err = f.proc.DirectCancel(ctx, token, order.ProviderOrderID)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "order cancelled, token re-enabled")
}
