package mapper

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danilovkiri/dk-go-smsbroker/internal/logger"
	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelstorage"
	"github.com/danilovkiri/dk-go-smsbroker/internal/storage/insqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *insqlite.Storage {
	t.Helper()
	st, err := insqlite.InitStorage(filepath.Join(t.TempDir(), "mapper.db"), logger.New(io.Discard, "info"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestMapper_CatalogAndPassThrough(t *testing.T) {
	m, err := InitMapper(context.Background(), newStore(t), "", logger.New(io.Discard, "info"))
	require.NoError(t, err)

	assert.Equal(t, "go", m.Resolve("goo", KindService))
	assert.Equal(t, "8", m.Resolve("KE", KindCountry))
	assert.Equal(t, "xx", m.Resolve("xx", KindService))
	assert.Equal(t, "xx", m.Resolve("xx", KindCountry))
	// kinds are separate namespaces
	assert.Equal(t, "KE", m.Resolve("KE", KindService))
}

func TestMapper_OverrideFileAndUpsert(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	path := filepath.Join(t.TempDir(), "mapping.yaml")
	require.NoError(t, os.WriteFile(path, []byte("services:\n  goo: gx\n  sig: sg\ncountries:\n  KE: \"36\"\n"), 0o600))

	m, err := InitMapper(ctx, st, path, logger.New(io.Discard, "info"))
	require.NoError(t, err)
	assert.Equal(t, "gx", m.Resolve("goo", KindService))
	assert.Equal(t, "sg", m.Resolve("sig", KindService))
	assert.Equal(t, "36", m.Resolve("KE", KindCountry))

	require.NoError(t, m.Upsert(ctx, "xx", "yy", KindService))
	assert.Equal(t, "yy", m.Resolve("xx", KindService))

	// a restart keeps runtime edits and does not reseed over them
	again, err := InitMapper(ctx, st, "", logger.New(io.Discard, "info"))
	require.NoError(t, err)
	assert.Equal(t, "yy", again.Resolve("xx", KindService))
	assert.Equal(t, "gx", again.Resolve("goo", KindService))
}

func TestMapper_BadOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("services: [unterminated"), 0o600))
	_, err := InitMapper(context.Background(), newStore(t), path, logger.New(io.Discard, "info"))
	assert.Error(t, err)
	_, err = InitMapper(context.Background(), newStore(t), filepath.Join(t.TempDir(), "missing.yaml"), logger.New(io.Discard, "info"))
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("country")
	require.NoError(t, err)
	assert.Equal(t, KindCountry, k)
	_, err = ParseKind("planet")
	assert.Error(t, err)
}

func TestMapper_SeesWritesFromAnotherProcess(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	log := logger.New(io.Discard, "info")
	serverStore, err := insqlite.InitStorage(path, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverStore.Close() })
	adminStore, err := insqlite.InitStorage(path, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = adminStore.Close() })

	server, err := InitMapper(ctx, serverStore, "", log)
	require.NoError(t, err)
	admin, err := InitMapper(ctx, adminStore, "", log)
	require.NoError(t, err)

	assert.Equal(t, "xx", server.Resolve("xx", KindService))
	require.NoError(t, admin.Upsert(ctx, "xx", "provider-xx", KindService))
	assert.Equal(t, "provider-xx", admin.Resolve("xx", KindService))

	require.NoError(t, server.Reload(ctx))
	assert.Equal(t, "provider-xx", server.Resolve("xx", KindService))
}

func TestMapper_WatchReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	path := filepath.Join(t.TempDir(), "shared.db")
	log := logger.New(io.Discard, "info")
	serverStore, err := insqlite.InitStorage(path, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverStore.Close() })
	adminStore, err := insqlite.InitStorage(path, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = adminStore.Close() })

	server, err := InitMapper(ctx, serverStore, "", log)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- server.Watch(ctx, 10*time.Millisecond) }()

	require.NoError(t, adminStore.UpsertMapping(ctx, modelstorage.MappingStorageEntry{FrontendID: "KE", Kind: string(KindCountry), ProviderID: "99"}))
	assert.Eventually(t, func() bool {
		return server.Resolve("KE", KindCountry) == "99"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
