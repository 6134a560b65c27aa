package inpsql

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/danilovkiri/dk-go-smsbroker/internal/config"
	"github.com/danilovkiri/dk-go-smsbroker/internal/logger"
	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelstorage"
	storageErrors "github.com/danilovkiri/dk-go-smsbroker/internal/storage/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStorage connects to DATABASE_URI. Every test uses fresh uuid keys so
// runs against a shared database do not collide.
func newStorage(t *testing.T) *Storage {
	t.Helper()
	dsn := os.Getenv("DATABASE_URI")
	if dsn == "" {
		t.Skip("DATABASE_URI is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := InitStorage(ctx, &config.StorageConfig{DatabaseDSN: dsn}, logger.New(io.Discard, "info"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func addUser(t *testing.T, st *Storage, allowed int) string {
	t.Helper()
	userID := uuid.New().String()
	err := st.AddNewUser(context.Background(), modelstorage.UserStorageEntry{
		UserID:       userID,
		Login:        "login-" + userID,
		Password:     "hash",
		RegisteredAt: time.Now().UTC(),
	}, allowed)
	require.NoError(t, err)
	return userID
}

func order(userID, token string) modelstorage.OrderStorageEntry {
	id := uuid.New().String()
	return modelstorage.OrderStorageEntry{
		OrderID:         "o-" + id,
		UserID:          userID,
		Token:           token,
		ServiceID:       "wa",
		CountryID:       "KE",
		PhoneNumber:     "254700000000",
		ProviderOrderID: id,
		Status:          "waiting",
		CreatedAt:       time.Now().UTC(),
	}
}

func TestReserveQuota(t *testing.T) {
	st := newStorage(t)
	ctx := context.Background()
	userID := addUser(t, st, 1)

	ok, err := st.ReserveQuota(ctx, userID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.ReserveQuota(ctx, userID)
	require.NoError(t, err)
	assert.False(t, ok, "allowance is exhausted")

	ok, err = st.ReserveQuota(ctx, uuid.New().String())
	require.NoError(t, err)
	assert.False(t, ok, "no quota row")

	quota, err := st.GetQuota(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 1, quota.Used)
}

func TestReserveQuota_Concurrent(t *testing.T) {
	st := newStorage(t)
	ctx := context.Background()
	userID := addUser(t, st, 3)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.ReserveQuota(ctx, userID)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, granted)
}

func TestCloseOrder_RefundsUnitOnce(t *testing.T) {
	st := newStorage(t)
	ctx := context.Background()
	userID := addUser(t, st, 1)
	ok, err := st.ReserveQuota(ctx, userID)
	require.NoError(t, err)
	require.True(t, ok)
	o := order(userID, "")
	require.NoError(t, st.AddNewOrder(ctx, o))

	closed, err := st.CloseOrder(ctx, o.ProviderOrderID, "cancelled")
	require.NoError(t, err)
	assert.True(t, closed)
	quota, err := st.GetQuota(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 0, quota.Used)

	closed, err = st.CloseOrder(ctx, o.ProviderOrderID, "expired")
	require.NoError(t, err)
	assert.False(t, closed)
	quota, err = st.GetQuota(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 0, quota.Used)

	stored, err := st.GetOrder(ctx, o.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", stored.Status)

	var notFound *storageErrors.NotFoundError
	_, err = st.CloseOrder(ctx, uuid.New().String(), "cancelled")
	assert.ErrorAs(t, err, &notFound)
}

func TestCloseOrder_KeepsReceived(t *testing.T) {
	st := newStorage(t)
	ctx := context.Background()
	userID := addUser(t, st, 1)
	ok, err := st.ReserveQuota(ctx, userID)
	require.NoError(t, err)
	require.True(t, ok)
	o := order(userID, "")
	require.NoError(t, st.AddNewOrder(ctx, o))

	resolved, err := st.ResolveOrder(ctx, o.ProviderOrderID, "received", "483920")
	require.NoError(t, err)
	require.True(t, resolved)
	closed, err := st.CloseOrder(ctx, o.ProviderOrderID, "cancelled")
	require.NoError(t, err)
	assert.False(t, closed)

	quota, err := st.GetQuota(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 1, quota.Used, "a delivered code keeps its unit")
}

func TestCloseOrder_ReleasesToken(t *testing.T) {
	st := newStorage(t)
	ctx := context.Background()
	token := uuid.New().String()
	require.NoError(t, st.AddToken(ctx, modelstorage.TokenStorageEntry{Token: token, ServiceID: "wa", CountryID: "KE", CreatedAt: time.Now().UTC()}))
	_, err := st.ConsumeToken(ctx, token)
	require.NoError(t, err)
	o := order("", token)
	require.NoError(t, st.AddNewOrder(ctx, o))

	closed, err := st.CloseOrder(ctx, o.ProviderOrderID, "expired")
	require.NoError(t, err)
	assert.True(t, closed)
	entry, err := st.GetToken(ctx, token)
	require.NoError(t, err)
	assert.False(t, entry.IsUsed)
}
