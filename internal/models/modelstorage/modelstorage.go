// Package modelstorage provides types for querying relational DB.
package modelstorage

import "time"

type UserStorageEntry struct {
	ID           uint      `db:"id" gorm:"primaryKey"`
	UserID       string    `db:"user_id" gorm:"uniqueIndex;not null"`
	Login        string    `db:"login" gorm:"uniqueIndex;not null"`
	Password     string    `db:"password" gorm:"not null"`
	RegisteredAt time.Time `db:"registered_at" gorm:"not null"`
}

func (UserStorageEntry) TableName() string {
	return "users"
}

type QuotaStorageEntry struct {
	ID      uint   `db:"id" gorm:"primaryKey"`
	UserID  string `db:"user_id" gorm:"uniqueIndex;not null"`
	Allowed int    `db:"allowed" gorm:"not null;default:0"`
	Used    int    `db:"used" gorm:"not null;default:0"`
}

func (QuotaStorageEntry) TableName() string {
	return "quotas"
}

type AllowlistStorageEntry struct {
	ID        uint   `db:"id" gorm:"primaryKey"`
	UserID    string `db:"user_id" gorm:"uniqueIndex:idx_allowlist_triple;not null"`
	ServiceID string `db:"service_id" gorm:"uniqueIndex:idx_allowlist_triple;not null"`
	CountryID string `db:"country_id" gorm:"uniqueIndex:idx_allowlist_triple;not null"`
}

func (AllowlistStorageEntry) TableName() string {
	return "allowlist"
}

type MappingStorageEntry struct {
	FrontendID string `db:"frontend_id" gorm:"primaryKey"`
	Kind       string `db:"kind" gorm:"primaryKey"`
	ProviderID string `db:"provider_id" gorm:"not null"`
}

func (MappingStorageEntry) TableName() string {
	return "mappings"
}

type TokenStorageEntry struct {
	ID        uint      `db:"id" gorm:"primaryKey"`
	Token     string    `db:"token" gorm:"uniqueIndex;not null"`
	ServiceID string    `db:"service_id" gorm:"not null"`
	CountryID string    `db:"country_id" gorm:"not null"`
	IsUsed    bool      `db:"is_used" gorm:"not null;default:false"`
	CreatedAt time.Time `db:"created_at" gorm:"not null"`
}

func (TokenStorageEntry) TableName() string {
	return "purchase_tokens"
}

// OrderStorageEntry keeps either UserID or Token non-empty, never both.
type OrderStorageEntry struct {
	ID              uint      `db:"id" gorm:"primaryKey"`
	OrderID         string    `db:"order_id" gorm:"uniqueIndex;not null"`
	UserID          string    `db:"user_id" gorm:"index"`
	Token           string    `db:"token" gorm:"index"`
	ServiceID       string    `db:"service_id" gorm:"not null"`
	CountryID       string    `db:"country_id" gorm:"not null"`
	PhoneNumber     string    `db:"phone_number" gorm:"not null"`
	ProviderOrderID string    `db:"provider_order_id" gorm:"uniqueIndex;not null"`
	Status          string    `db:"status" gorm:"index;not null"`
	SMSCode         string    `db:"sms_code"`
	CreatedAt       time.Time `db:"created_at" gorm:"not null"`
}

func (OrderStorageEntry) TableName() string {
	return "orders"
}
