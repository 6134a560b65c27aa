// Package app wires storage and services shared by the server and the admin CLI.
package app

import (
	"context"
	"fmt"

	"github.com/danilovkiri/dk-go-smsbroker/internal/config"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/admin"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/allowlist"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/locker"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/mapper"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/processor"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/quota"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/tokens"
	"github.com/danilovkiri/dk-go-smsbroker/internal/storage"
	"github.com/danilovkiri/dk-go-smsbroker/internal/storage/inpsql"
	"github.com/danilovkiri/dk-go-smsbroker/internal/storage/insqlite"
	"github.com/rs/zerolog"
)

// App holds the components built on top of a single store.
type App struct {
	Storage    storage.Storage
	Locks      *locker.Locker
	Services   processor.Services
	Dispatcher *admin.Dispatcher
}

// OpenStorage opens PostgreSQL when a DSN is configured and SQLite otherwise.
func OpenStorage(ctx context.Context, cfg *config.StorageConfig, log *zerolog.Logger) (storage.Storage, error) {
	switch {
	case cfg.DatabaseDSN != "":
		log.Info().Msg("using PostgreSQL storage")
		return inpsql.InitStorage(ctx, cfg, log)
	case cfg.SQLitePath != "":
		log.Info().Msg(fmt.Sprintf("using SQLite storage at %s", cfg.SQLitePath))
		return insqlite.InitStorage(cfg.SQLitePath, log)
	default:
		return nil, config.ErrNoStorage
	}
}

// Init opens storage and builds the ledger, allow-list, token store, mapper and
// admin dispatcher over it.
func Init(ctx context.Context, cfg *config.Config, log *zerolog.Logger) (*App, error) {
	st, err := OpenStorage(ctx, cfg.StorageConfig, log)
	if err != nil {
		return nil, err
	}
	a, err := New(ctx, st, cfg, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

// New builds the services over an already opened store.
func New(ctx context.Context, st storage.Storage, cfg *config.Config, log *zerolog.Logger) (*App, error) {
	locks := locker.New()
	m, err := mapper.InitMapper(ctx, st, cfg.ServerConfig.MappingFile, log)
	if err != nil {
		return nil, err
	}
	svc := processor.Services{
		Ledger:    quota.NewLedger(st, locks, log),
		Allowlist: allowlist.NewAllowlist(st, log),
		Tokens:    tokens.NewStore(st, log),
		Mapper:    m,
	}
	dispatcher := admin.NewDispatcher(cfg.BotConfig.AdminID, st, svc.Ledger, svc.Allowlist, svc.Tokens, svc.Mapper, log)
	return &App{Storage: st, Locks: locks, Services: svc, Dispatcher: dispatcher}, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Storage.Close()
}
