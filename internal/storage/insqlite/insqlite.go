// Package insqlite implements storage on top of SQLite through gorm.
package insqlite

import (
	"context"
	"errors"
	"fmt"

	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelorder"
	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelstorage"
	"github.com/danilovkiri/dk-go-smsbroker/internal/storage"
	storageErrors "github.com/danilovkiri/dk-go-smsbroker/internal/storage/errors"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var _ storage.Storage = (*Storage)(nil)

// Storage defines attributes of a struct available to its methods.
type Storage struct {
	DB  *gorm.DB
	log *zerolog.Logger
}

// InitStorage opens the SQLite file at path and migrates the schema.
func InitStorage(path string, log *zerolog.Logger) (*Storage, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_foreign_keys=on"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; one connection keeps statements from failing on lock contention.
	sqlDB.SetMaxOpenConns(1)
	err = db.AutoMigrate(
		&modelstorage.UserStorageEntry{},
		&modelstorage.QuotaStorageEntry{},
		&modelstorage.AllowlistStorageEntry{},
		&modelstorage.MappingStorageEntry{},
		&modelstorage.TokenStorageEntry{},
		&modelstorage.OrderStorageEntry{},
	)
	if err != nil {
		return nil, err
	}
	log.Info().Msg(fmt.Sprintf("SQLite DB %s was opened", path))
	return &Storage{DB: db, log: log}, nil
}

// Close closes the underlying connection.
func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Storage) run(ctx context.Context, op string, fn func(db *gorm.DB) error) error {
	err := fn(s.DB.WithContext(ctx))
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
	var (
		notFound *storageErrors.NotFoundError
		exists   *storageErrors.AlreadyExistsError
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &exists):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return &storageErrors.NotFoundError{Err: err, ID: id}
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return &storageErrors.AlreadyExistsError{Err: err, ID: id}
	default:
		return &storageErrors.ExecutionError{Err: err}
	}
}

func (s *Storage) AddNewUser(ctx context.Context, user modelstorage.UserStorageEntry, allowed int) error {
	return s.run(ctx, fmt.Sprintf("adding new user %s", user.Login), func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&user).Error; err != nil {
				return translate(err, user.Login)
			}
			quota := modelstorage.QuotaStorageEntry{UserID: user.UserID, Allowed: allowed}
			if err := tx.Create(&quota).Error; err != nil {
				return translate(err, user.Login)
			}
			return nil
		})
	})
}

func (s *Storage) getUser(ctx context.Context, column, value string) (*modelstorage.UserStorageEntry, error) {
	var entry modelstorage.UserStorageEntry
	err := s.run(ctx, fmt.Sprintf("getting user by %s", column), func(db *gorm.DB) error {
		if err := db.Where(column+" = ?", value).First(&entry).Error; err != nil {
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
	err := s.run(ctx, "getting quota", func(db *gorm.DB) error {
		if err := db.Where("user_id = ?", userID).First(&entry).Error; err != nil {
			return translate(err, userID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Storage) updateAffected(ctx context.Context, op string, fn func(db *gorm.DB) *gorm.DB) (bool, error) {
	var affected int64
	err := s.run(ctx, op, func(db *gorm.DB) error {
		res := fn(db)
		if res.Error != nil {
			return translate(res.Error, op)
		}
		affected = res.RowsAffected
		return nil
	})
	return affected > 0, err
}

func (s *Storage) ReserveQuota(ctx context.Context, userID string) (bool, error) {
	return s.updateAffected(ctx, "reserving quota", func(db *gorm.DB) *gorm.DB {
		return db.Model(&modelstorage.QuotaStorageEntry{}).
			Where("user_id = ? AND used < allowed", userID).
			UpdateColumn("used", gorm.Expr("used + 1"))
	})
}

func (s *Storage) ReleaseQuota(ctx context.Context, userID string) (bool, error) {
	return s.updateAffected(ctx, "releasing quota", func(db *gorm.DB) *gorm.DB {
		return db.Model(&modelstorage.QuotaStorageEntry{}).
			Where("user_id = ? AND used > 0", userID).
			UpdateColumn("used", gorm.Expr("used - 1"))
	})
}

func (s *Storage) GrantQuota(ctx context.Context, userID string, amount int) (*modelstorage.QuotaStorageEntry, error) {
	var entry modelstorage.QuotaStorageEntry
	err := s.run(ctx, "granting quota", func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&modelstorage.QuotaStorageEntry{}).
				Where("user_id = ?", userID).
				UpdateColumn("allowed", gorm.Expr("allowed + ?", amount))
			if res.Error != nil {
				return translate(res.Error, userID)
			}
			if res.RowsAffected == 0 {
				return &storageErrors.NotFoundError{ID: userID}
			}
			if err := tx.Where("user_id = ?", userID).First(&entry).Error; err != nil {
				return translate(err, userID)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Storage) AddAllowlistEntry(ctx context.Context, entry modelstorage.AllowlistStorageEntry) error {
	return s.run(ctx, "adding allow-list entry", func(db *gorm.DB) error {
		if err := db.Create(&entry).Error; err != nil {
			return translate(err, fmt.Sprintf("%s/%s", entry.ServiceID, entry.CountryID))
		}
		return nil
	})
}

func (s *Storage) DeleteAllowlistEntry(ctx context.Context, entry modelstorage.AllowlistStorageEntry) (bool, error) {
	return s.updateAffected(ctx, "deleting allow-list entry", func(db *gorm.DB) *gorm.DB {
		return db.Where("user_id = ? AND service_id = ? AND country_id = ?", entry.UserID, entry.ServiceID, entry.CountryID).
			Delete(&modelstorage.AllowlistStorageEntry{})
	})
}

func (s *Storage) HasAllowlistEntry(ctx context.Context, entry modelstorage.AllowlistStorageEntry) (bool, error) {
	var count int64
	err := s.run(ctx, "checking allow-list entry", func(db *gorm.DB) error {
		return db.Model(&modelstorage.AllowlistStorageEntry{}).
			Where("user_id = ? AND service_id = ? AND country_id = ?", entry.UserID, entry.ServiceID, entry.CountryID).
			Count(&count).Error
	})
	return count > 0, err
}

func (s *Storage) GetAllowlist(ctx context.Context, userID string) ([]modelstorage.AllowlistStorageEntry, error) {
	var entries []modelstorage.AllowlistStorageEntry
	err := s.run(ctx, "getting allow-list", func(db *gorm.DB) error {
		return db.Where("user_id = ?", userID).Order("service_id, country_id").Find(&entries).Error
	})
	return entries, err
}

func (s *Storage) GetMappings(ctx context.Context) ([]modelstorage.MappingStorageEntry, error) {
	var entries []modelstorage.MappingStorageEntry
	err := s.run(ctx, "getting mappings", func(db *gorm.DB) error {
		return db.Find(&entries).Error
	})
	return entries, err
}

func (s *Storage) UpsertMapping(ctx context.Context, entry modelstorage.MappingStorageEntry) error {
	return s.run(ctx, "upserting mapping", func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "frontend_id"}, {Name: "kind"}},
			DoUpdates: clause.AssignmentColumns([]string{"provider_id"}),
		}).Create(&entry).Error
	})
}

func (s *Storage) AddToken(ctx context.Context, entry modelstorage.TokenStorageEntry) error {
	entry.IsUsed = false
	return s.run(ctx, "adding purchase token", func(db *gorm.DB) error {
		if err := db.Create(&entry).Error; err != nil {
			return translate(err, "purchase token")
		}
		return nil
	})
}

func (s *Storage) GetToken(ctx context.Context, token string) (*modelstorage.TokenStorageEntry, error) {
	var entry modelstorage.TokenStorageEntry
	err := s.run(ctx, "getting purchase token", func(db *gorm.DB) error {
		if err := db.Where("token = ?", token).First(&entry).Error; err != nil {
			return translate(err, "purchase token")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Storage) ConsumeToken(ctx context.Context, token string) (*modelstorage.TokenStorageEntry, error) {
	var entry modelstorage.TokenStorageEntry
	err := s.run(ctx, "consuming purchase token", func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&modelstorage.TokenStorageEntry{}).
				Where("token = ? AND is_used = ?", token, false).
				UpdateColumn("is_used", true)
			if res.Error != nil {
				return translate(res.Error, "purchase token")
			}
			if res.RowsAffected == 0 {
				return &storageErrors.NotFoundError{ID: "purchase token"}
			}
			if err := tx.Where("token = ?", token).First(&entry).Error; err != nil {
				return translate(err, "purchase token")
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Storage) ReleaseToken(ctx context.Context, token string) (bool, error) {
	return s.updateAffected(ctx, "releasing purchase token", func(db *gorm.DB) *gorm.DB {
		return db.Model(&modelstorage.TokenStorageEntry{}).
			Where("token = ? AND is_used = ?", token, true).
			UpdateColumn("is_used", false)
	})
}

func (s *Storage) AddNewOrder(ctx context.Context, order modelstorage.OrderStorageEntry) error {
	if (order.UserID == "") == (order.Token == "") {
		return &storageErrors.ExecutionError{Err: errors.New("order must reference exactly one of user and token")}
	}
	return s.run(ctx, fmt.Sprintf("adding new order %s", order.ProviderOrderID), func(db *gorm.DB) error {
		if err := db.Create(&order).Error; err != nil {
			return translate(err, order.ProviderOrderID)
		}
		return nil
	})
}

func (s *Storage) GetOrder(ctx context.Context, providerOrderID string) (*modelstorage.OrderStorageEntry, error) {
	var entry modelstorage.OrderStorageEntry
	err := s.run(ctx, "getting order", func(db *gorm.DB) error {
		if err := db.Where("provider_order_id = ?", providerOrderID).First(&entry).Error; err != nil {
			return translate(err, providerOrderID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Storage) GetOrders(ctx context.Context, userID string) ([]modelstorage.OrderStorageEntry, error) {
	var entries []modelstorage.OrderStorageEntry
	err := s.run(ctx, "getting orders", func(db *gorm.DB) error {
		return db.Where("user_id = ?", userID).Order("created_at DESC, id DESC").Find(&entries).Error
	})
	return entries, err
}

func (s *Storage) GetWaitingOrders(ctx context.Context, limit int) ([]modelstorage.OrderStorageEntry, error) {
	var entries []modelstorage.OrderStorageEntry
	err := s.run(ctx, "getting waiting orders", func(db *gorm.DB) error {
		return db.Where("status = ?", string(modelorder.StatusWaiting)).Order("created_at").Limit(limit).Find(&entries).Error
	})
	return entries, err
}

func (s *Storage) ResolveOrder(ctx context.Context, providerOrderID, status, smsCode string) (bool, error) {
	return s.updateAffected(ctx, "resolving order", func(db *gorm.DB) *gorm.DB {
		return db.Model(&modelstorage.OrderStorageEntry{}).
			Where("provider_order_id = ? AND (status = ? OR status = ?)", providerOrderID, string(modelorder.StatusWaiting), status).
			UpdateColumns(map[string]interface{}{"status": status, "sms_code": smsCode})
	})
}

func (s *Storage) CloseOrder(ctx context.Context, providerOrderID, status string) (bool, error) {
	var closed bool
	err := s.run(ctx, fmt.Sprintf("closing order %s as %s", providerOrderID, status), func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			var order modelstorage.OrderStorageEntry
			if err := tx.Where("provider_order_id = ?", providerOrderID).First(&order).Error; err != nil {
				return translate(err, providerOrderID)
			}
			res := tx.Model(&modelstorage.OrderStorageEntry{}).
				Where("provider_order_id = ? AND status = ?", providerOrderID, string(modelorder.StatusWaiting)).
				UpdateColumn("status", status)
			if res.Error != nil {
				return translate(res.Error, providerOrderID)
			}
			if res.RowsAffected == 0 {
				return nil
			}
			if order.UserID != "" {
				res = tx.Model(&modelstorage.QuotaStorageEntry{}).
					Where("user_id = ? AND used > 0", order.UserID).
					UpdateColumn("used", gorm.Expr("used - 1"))
				if res.Error != nil {
					return translate(res.Error, order.UserID)
				}
				if res.RowsAffected == 0 {
					s.log.Warn().Str("user_id", order.UserID).Msg("quota release on order close found nothing to release")
				}
			} else {
				res = tx.Model(&modelstorage.TokenStorageEntry{}).
					Where("token = ?", order.Token).
					UpdateColumn("is_used", false)
				if res.Error != nil {
					return translate(res.Error, "purchase token")
				}
			}
			closed = true
			return nil
		})
	})
	return closed, err
}
