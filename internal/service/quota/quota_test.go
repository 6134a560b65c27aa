package quota

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danilovkiri/dk-go-smsbroker/internal/logger"
	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelstorage"
	serviceErrors "github.com/danilovkiri/dk-go-smsbroker/internal/service/errors"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/locker"
	"github.com/danilovkiri/dk-go-smsbroker/internal/storage/insqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T, allowed int) (*Ledger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	log := logger.New(&buf, "info")
	st, err := insqlite.InitStorage(filepath.Join(t.TempDir(), "quota.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.AddNewUser(context.Background(), modelstorage.UserStorageEntry{
		UserID: "u1", Login: "alice", Password: "x", RegisteredAt: time.Now(),
	}, allowed))
	return NewLedger(st, locker.New(), log), &buf
}

func TestLedger_ReserveUntilExhausted(t *testing.T) {
	l, _ := newLedger(t, 1)
	ctx := context.Background()

	ok, err := l.TryReserve(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.TryReserve(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	entry, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Allowed)
	assert.Equal(t, 1, entry.Used)
}

func TestLedger_ReleaseFloorsAtZero(t *testing.T) {
	l, buf := newLedger(t, 1)
	require.NoError(t, l.Release(context.Background(), "u1"))
	entry, err := l.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, entry.Used)
	assert.Contains(t, buf.String(), "found nothing to release")
}

func TestLedger_Grant(t *testing.T) {
	l, _ := newLedger(t, 0)
	ctx := context.Background()

	var invalid *serviceErrors.InvalidInputError
	_, err := l.Grant(ctx, "u1", 0)
	assert.ErrorAs(t, err, &invalid)
	_, err = l.Grant(ctx, "u1", -3)
	assert.ErrorAs(t, err, &invalid)

	entry, err := l.Grant(ctx, "u1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Allowed)

	var notFound *serviceErrors.NotFoundError
	_, err = l.Grant(ctx, "ghost", 1)
	assert.ErrorAs(t, err, &notFound)
}

func TestLedger_ConcurrentReserveNeverOverspends(t *testing.T) {
	l, _ := newLedger(t, 3)
	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.TryReserve(ctx, "u1")
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
	entry, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entry.Allowed, entry.Used)
}

func TestLedger_ReserveWithoutQuotaRow(t *testing.T) {
	l, _ := newLedger(t, 0)
	ctx := context.Background()

	ok, err := l.TryReserve(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	var notFound *serviceErrors.NotFoundError
	ok, err = l.TryReserve(ctx, "ghost")
	assert.ErrorAs(t, err, &notFound)
	assert.False(t, ok)
}
