// Package inpsql implements storage on top of PostgreSQL.
package inpsql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/danilovkiri/dk-go-smsbroker/internal/config"
	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelorder"
	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelstorage"
	"github.com/danilovkiri/dk-go-smsbroker/internal/storage"
	storageErrors "github.com/danilovkiri/dk-go-smsbroker/internal/storage/errors"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/rs/zerolog"
)

var _ storage.Storage = (*Storage)(nil)

// Storage defines attributes of a struct available to its methods.
type Storage struct {
	Cfg *config.StorageConfig
	DB  *sql.DB
	log *zerolog.Logger
}

// InitStorage connects to PostgreSQL and creates tables.
func InitStorage(ctx context.Context, cfg *config.StorageConfig, log *zerolog.Logger) (*Storage, error) {
	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	st := Storage{
		Cfg: cfg,
		DB:  db,
		log: log,
	}
	if err := st.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Msg("PSQL DB connection was established")
	return &st, nil
}

// Close closes the connection pool.
func (s *Storage) Close() error {
	return s.DB.Close()
}

// run executes a storage operation and normalizes its error.
func (s *Storage) run(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil {
		s.log.Debug().Msg(fmt.Sprintf("%s done", op))
		return nil
	}
	if ctx.Err() != nil {
		err = &storageErrors.ContextTimeoutExceededError{Err: ctx.Err()}
	}
	var notFound *storageErrors.NotFoundError
	if errors.As(err, &notFound) {
		s.log.Debug().Msg(fmt.Sprintf("%s: %s", op, err.Error()))
	} else {
		s.log.Error().Err(err).Msg(fmt.Sprintf("%s failed", op))
	}
	return err
}

func translate(err error, id string) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return &storageErrors.NotFoundError{Err: err, ID: id}
	case errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation:
		return &storageErrors.AlreadyExistsError{Err: err, ID: id}
	default:
		return &storageErrors.ExecutionError{Err: err}
	}
}

func (s *Storage) AddNewUser(ctx context.Context, user modelstorage.UserStorageEntry, allowed int) error {
	return s.run(ctx, fmt.Sprintf("adding new user %s", user.Login), func() error {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return &storageErrors.ExecutionError{Err: err}
		}
		defer tx.Rollback()
		_, err = tx.ExecContext(ctx, "INSERT INTO users (user_id, login, password, registered_at) VALUES ($1, $2, $3, $4)",
			user.UserID, user.Login, user.Password, user.RegisteredAt)
		if err != nil {
			return translate(err, user.Login)
		}
		_, err = tx.ExecContext(ctx, "INSERT INTO quotas (user_id, allowed, used) VALUES ($1, $2, 0)", user.UserID, allowed)
		if err != nil {
			return translate(err, user.Login)
		}
		if err := tx.Commit(); err != nil {
			return &storageErrors.ExecutionError{Err: err}
		}
		return nil
	})
}

func (s *Storage) getUser(ctx context.Context, column, value string) (*modelstorage.UserStorageEntry, error) {
	var entry modelstorage.UserStorageEntry
	err := s.run(ctx, fmt.Sprintf("getting user by %s", column), func() error {
		selectStmt, err := s.DB.PrepareContext(ctx, "SELECT id, user_id, login, password, registered_at FROM users WHERE "+column+" = $1")
		if err != nil {
			return &storageErrors.StatementError{Err: err}
		}
		defer selectStmt.Close()
		err = selectStmt.QueryRowContext(ctx, value).Scan(&entry.ID, &entry.UserID, &entry.Login, &entry.Password, &entry.RegisteredAt)
		if err != nil {
			return translate(err, value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Storage) GetUserByLogin(ctx context.Context, login string) (*modelstorage.UserStorageEntry, error) {
	return s.getUser(ctx, "login", login)
}

func (s *Storage) GetUserByID(ctx context.Context, userID string) (*modelstorage.UserStorageEntry, error) {
	return s.getUser(ctx, "user_id", userID)
}

func (s *Storage) GetQuota(ctx context.Context, userID string) (*modelstorage.QuotaStorageEntry, error) {
	var entry modelstorage.QuotaStorageEntry
	err := s.run(ctx, "getting quota", func() error {
		err := s.DB.QueryRowContext(ctx, "SELECT id, user_id, allowed, used FROM quotas WHERE user_id = $1", userID).
			Scan(&entry.ID, &entry.UserID, &entry.Allowed, &entry.Used)
		if err != nil {
			return translate(err, userID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// execAffected runs a single conditional statement and reports whether it changed a row.
func (s *Storage) execAffected(ctx context.Context, op, query string, args ...interface{}) (bool, error) {
	var affected int64
	err := s.run(ctx, op, func() error {
		res, err := s.DB.ExecContext(ctx, query, args...)
		if err != nil {
			return translate(err, op)
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return &storageErrors.ExecutionError{Err: err}
		}
		return nil
	})
	return affected > 0, err
}

func (s *Storage) ReserveQuota(ctx context.Context, userID string) (bool, error) {
	return s.execAffected(ctx, "reserving quota",
		"UPDATE quotas SET used = used + 1 WHERE user_id = $1 AND used < allowed", userID)
}

func (s *Storage) ReleaseQuota(ctx context.Context, userID string) (bool, error) {
	return s.execAffected(ctx, "releasing quota",
		"UPDATE quotas SET used = used - 1 WHERE user_id = $1 AND used > 0", userID)
}

func (s *Storage) GrantQuota(ctx context.Context, userID string, amount int) (*modelstorage.QuotaStorageEntry, error) {
	var entry modelstorage.QuotaStorageEntry
	err := s.run(ctx, "granting quota", func() error {
		err := s.DB.QueryRowContext(ctx, "UPDATE quotas SET allowed = allowed + $2 WHERE user_id = $1 RETURNING id, user_id, allowed, used", userID, amount).
			Scan(&entry.ID, &entry.UserID, &entry.Allowed, &entry.Used)
		if err != nil {
			return translate(err, userID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Storage) AddAllowlistEntry(ctx context.Context, entry modelstorage.AllowlistStorageEntry) error {
	_, err := s.execAffected(ctx, "adding allow-list entry",
		"INSERT INTO allowlist (user_id, service_id, country_id) VALUES ($1, $2, $3)",
		entry.UserID, entry.ServiceID, entry.CountryID)
	return err
}

func (s *Storage) DeleteAllowlistEntry(ctx context.Context, entry modelstorage.AllowlistStorageEntry) (bool, error) {
	return s.execAffected(ctx, "deleting allow-list entry",
		"DELETE FROM allowlist WHERE user_id = $1 AND service_id = $2 AND country_id = $3",
		entry.UserID, entry.ServiceID, entry.CountryID)
}

func (s *Storage) HasAllowlistEntry(ctx context.Context, entry modelstorage.AllowlistStorageEntry) (bool, error) {
	var found bool
	err := s.run(ctx, "checking allow-list entry", func() error {
		err := s.DB.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM allowlist WHERE user_id = $1 AND service_id = $2 AND country_id = $3)",
			entry.UserID, entry.ServiceID, entry.CountryID).Scan(&found)
		if err != nil {
			return translate(err, entry.UserID)
		}
		return nil
	})
	return found, err
}

func (s *Storage) GetAllowlist(ctx context.Context, userID string) ([]modelstorage.AllowlistStorageEntry, error) {
	var entries []modelstorage.AllowlistStorageEntry
	err := s.run(ctx, "getting allow-list", func() error {
		rows, err := s.DB.QueryContext(ctx, "SELECT id, user_id, service_id, country_id FROM allowlist WHERE user_id = $1 ORDER BY service_id, country_id", userID)
		if err != nil {
			return &storageErrors.ExecutionError{Err: err}
		}
		defer rows.Close()
		for rows.Next() {
			var entry modelstorage.AllowlistStorageEntry
			if err := rows.Scan(&entry.ID, &entry.UserID, &entry.ServiceID, &entry.CountryID); err != nil {
				return &storageErrors.ExecutionError{Err: err}
			}
			entries = append(entries, entry)
		}
		return rows.Err()
	})
	return entries, err
}

func (s *Storage) GetMappings(ctx context.Context) ([]modelstorage.MappingStorageEntry, error) {
	var entries []modelstorage.MappingStorageEntry
	err := s.run(ctx, "getting mappings", func() error {
		rows, err := s.DB.QueryContext(ctx, "SELECT frontend_id, kind, provider_id FROM mappings")
		if err != nil {
			return &storageErrors.ExecutionError{Err: err}
		}
		defer rows.Close()
		for rows.Next() {
			var entry modelstorage.MappingStorageEntry
			if err := rows.Scan(&entry.FrontendID, &entry.Kind, &entry.ProviderID); err != nil {
				return &storageErrors.ExecutionError{Err: err}
			}
			entries = append(entries, entry)
		}
		return rows.Err()
	})
	return entries, err
}

func (s *Storage) UpsertMapping(ctx context.Context, entry modelstorage.MappingStorageEntry) error {
	_, err := s.execAffected(ctx, "upserting mapping",
		`INSERT INTO mappings (frontend_id, kind, provider_id) VALUES ($1, $2, $3)
		ON CONFLICT (frontend_id, kind) DO UPDATE SET provider_id = EXCLUDED.provider_id`,
		entry.FrontendID, entry.Kind, entry.ProviderID)
	return err
}

func (s *Storage) AddToken(ctx context.Context, entry modelstorage.TokenStorageEntry) error {
	_, err := s.execAffected(ctx, "adding purchase token",
		"INSERT INTO purchase_tokens (token, service_id, country_id, is_used, created_at) VALUES ($1, $2, $3, FALSE, $4)",
		entry.Token, entry.ServiceID, entry.CountryID, entry.CreatedAt)
	return err
}

func (s *Storage) scanToken(ctx context.Context, op, query, token string) (*modelstorage.TokenStorageEntry, error) {
	var entry modelstorage.TokenStorageEntry
	err := s.run(ctx, op, func() error {
		err := s.DB.QueryRowContext(ctx, query, token).
			Scan(&entry.ID, &entry.Token, &entry.ServiceID, &entry.CountryID, &entry.IsUsed, &entry.CreatedAt)
		if err != nil {
			return translate(err, "purchase token")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Storage) GetToken(ctx context.Context, token string) (*modelstorage.TokenStorageEntry, error) {
	return s.scanToken(ctx, "getting purchase token",
		"SELECT id, token, service_id, country_id, is_used, created_at FROM purchase_tokens WHERE token = $1", token)
}

func (s *Storage) ConsumeToken(ctx context.Context, token string) (*modelstorage.TokenStorageEntry, error) {
	return s.scanToken(ctx, "consuming purchase token",
		`UPDATE purchase_tokens SET is_used = TRUE WHERE token = $1 AND is_used = FALSE
		RETURNING id, token, service_id, country_id, is_used, created_at`, token)
}

func (s *Storage) ReleaseToken(ctx context.Context, token string) (bool, error) {
	return s.execAffected(ctx, "releasing purchase token",
		"UPDATE purchase_tokens SET is_used = FALSE WHERE token = $1 AND is_used = TRUE", token)
}

const orderColumns = "id, order_id, user_id, token, service_id, country_id, phone_number, provider_order_id, status, sms_code, created_at"

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row scanner, entry *modelstorage.OrderStorageEntry) error {
	return row.Scan(&entry.ID, &entry.OrderID, &entry.UserID, &entry.Token, &entry.ServiceID, &entry.CountryID,
		&entry.PhoneNumber, &entry.ProviderOrderID, &entry.Status, &entry.SMSCode, &entry.CreatedAt)
}

func (s *Storage) AddNewOrder(ctx context.Context, order modelstorage.OrderStorageEntry) error {
	return s.run(ctx, fmt.Sprintf("adding new order %s", order.ProviderOrderID), func() error {
		newOrderStmt, err := s.DB.PrepareContext(ctx, `INSERT INTO orders
			(order_id, user_id, token, service_id, country_id, phone_number, provider_order_id, status, sms_code, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
		if err != nil {
			return &storageErrors.StatementError{Err: err}
		}
		defer newOrderStmt.Close()
		_, err = newOrderStmt.ExecContext(ctx, order.OrderID, order.UserID, order.Token, order.ServiceID, order.CountryID,
			order.PhoneNumber, order.ProviderOrderID, order.Status, order.SMSCode, order.CreatedAt)
		if err != nil {
			return translate(err, order.ProviderOrderID)
		}
		return nil
	})
}

func (s *Storage) GetOrder(ctx context.Context, providerOrderID string) (*modelstorage.OrderStorageEntry, error) {
	var entry modelstorage.OrderStorageEntry
	err := s.run(ctx, "getting order", func() error {
		row := s.DB.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE provider_order_id = $1", providerOrderID)
		if err := scanOrder(row, &entry); err != nil {
			return translate(err, providerOrderID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Storage) queryOrders(ctx context.Context, op, query string, args ...interface{}) ([]modelstorage.OrderStorageEntry, error) {
	var entries []modelstorage.OrderStorageEntry
	err := s.run(ctx, op, func() error {
		rows, err := s.DB.QueryContext(ctx, query, args...)
		if err != nil {
			return &storageErrors.ExecutionError{Err: err}
		}
		defer rows.Close()
		for rows.Next() {
			var entry modelstorage.OrderStorageEntry
			if err := scanOrder(rows, &entry); err != nil {
				return &storageErrors.ExecutionError{Err: err}
			}
			entries = append(entries, entry)
		}
		return rows.Err()
	})
	return entries, err
}

func (s *Storage) GetOrders(ctx context.Context, userID string) ([]modelstorage.OrderStorageEntry, error) {
	return s.queryOrders(ctx, "getting orders",
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC", userID)
}

func (s *Storage) GetWaitingOrders(ctx context.Context, limit int) ([]modelstorage.OrderStorageEntry, error) {
	return s.queryOrders(ctx, "getting waiting orders",
		"SELECT "+orderColumns+" FROM orders WHERE status = $1 ORDER BY created_at LIMIT $2", string(modelorder.StatusWaiting), limit)
}

func (s *Storage) ResolveOrder(ctx context.Context, providerOrderID, status, smsCode string) (bool, error) {
	return s.execAffected(ctx, "resolving order",
		"UPDATE orders SET status = $2, sms_code = $3 WHERE provider_order_id = $1 AND (status = $4 OR status = $2)",
		providerOrderID, status, smsCode, string(modelorder.StatusWaiting))
}

func (s *Storage) CloseOrder(ctx context.Context, providerOrderID, status string) (bool, error) {
	var closed bool
	err := s.run(ctx, fmt.Sprintf("closing order %s as %s", providerOrderID, status), func() error {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return &storageErrors.ExecutionError{Err: err}
		}
		defer tx.Rollback()
		var userID, token string
		err = tx.QueryRowContext(ctx, "UPDATE orders SET status = $2 WHERE provider_order_id = $1 AND status = $3 RETURNING user_id, token",
			providerOrderID, status, string(modelorder.StatusWaiting)).Scan(&userID, &token)
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			err = tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM orders WHERE provider_order_id = $1)", providerOrderID).Scan(&exists)
			if err != nil {
				return translate(err, providerOrderID)
			}
			if !exists {
				return &storageErrors.NotFoundError{Err: sql.ErrNoRows, ID: providerOrderID}
			}
			return nil
		}
		if err != nil {
			return translate(err, providerOrderID)
		}
		if userID != "" {
			res, err := tx.ExecContext(ctx, "UPDATE quotas SET used = used - 1 WHERE user_id = $1 AND used > 0", userID)
			if err != nil {
				return translate(err, userID)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				s.log.Warn().Str("user_id", userID).Msg("quota release on order close found nothing to release")
			}
		} else {
			if _, err := tx.ExecContext(ctx, "UPDATE purchase_tokens SET is_used = FALSE WHERE token = $1", token); err != nil {
				return translate(err, "purchase token")
			}
		}
		if err := tx.Commit(); err != nil {
			return &storageErrors.ExecutionError{Err: err}
		}
		closed = true
		return nil
	})
	return closed, err
}

func (s *Storage) createTables(ctx context.Context) error {
	var queries []string
	query := `CREATE TABLE IF NOT EXISTS users (
		id            BIGSERIAL   PRIMARY KEY,
		user_id       TEXT        NOT NULL UNIQUE,
		login         TEXT        NOT NULL UNIQUE,
		password      TEXT        NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL
	);`
	queries = append(queries, query)
	query = `CREATE TABLE IF NOT EXISTS quotas (
		id      BIGSERIAL PRIMARY KEY,
		user_id TEXT      NOT NULL UNIQUE REFERENCES users (user_id),
		allowed INTEGER   NOT NULL DEFAULT 0 CHECK (allowed >= 0),
		used    INTEGER   NOT NULL DEFAULT 0 CHECK (used >= 0 AND used <= allowed)
	);`
	queries = append(queries, query)
	query = `CREATE TABLE IF NOT EXISTS allowlist (
		id         BIGSERIAL PRIMARY KEY,
		user_id    TEXT      NOT NULL REFERENCES users (user_id),
		service_id TEXT      NOT NULL,
		country_id TEXT      NOT NULL,
		UNIQUE (user_id, service_id, country_id)
	);`
	queries = append(queries, query)
	query = `CREATE TABLE IF NOT EXISTS mappings (
		frontend_id TEXT NOT NULL,
		kind        TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		PRIMARY KEY (frontend_id, kind)
	);`
	queries = append(queries, query)
	query = `CREATE TABLE IF NOT EXISTS purchase_tokens (
		id         BIGSERIAL   PRIMARY KEY,
		token      TEXT        NOT NULL UNIQUE,
		service_id TEXT        NOT NULL,
		country_id TEXT        NOT NULL,
		is_used    BOOLEAN     NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	);`
	queries = append(queries, query)
	query = `CREATE TABLE IF NOT EXISTS orders (
		id                BIGSERIAL   PRIMARY KEY,
		order_id          TEXT        NOT NULL UNIQUE,
		user_id           TEXT        NOT NULL DEFAULT '',
		token             TEXT        NOT NULL DEFAULT '',
		service_id        TEXT        NOT NULL,
		country_id        TEXT        NOT NULL,
		phone_number      TEXT        NOT NULL,
		provider_order_id TEXT        NOT NULL UNIQUE,
		status            TEXT        NOT NULL,
		sms_code          TEXT        NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL,
		CHECK ((user_id = '') <> (token = ''))
	);`
	queries = append(queries, query)
	queries = append(queries, `CREATE INDEX IF NOT EXISTS orders_status_idx ON orders (status, created_at);`)
	for _, subquery := range queries {
		_, err := s.DB.ExecContext(ctx, subquery)
		if err != nil {
			return err
		}
	}
	return nil
}
