package gormstore

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Account represents the accounts table.
type Account struct {
	AccountID string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;default:0;check:chk_accounts_balance_non_negative,balance >= 0"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEvent mirrors the ledger_events table.
type LedgerEvent struct {
	EventID        string         `gorm:"primaryKey"`
	AccountID      string         `gorm:"not null;index:idx_ledger_events_account_created,priority:1"`
	Delta          int64          `gorm:"not null"`
	Reason         string         `gorm:"not null"`
	IdempotencyKey string         `gorm:"not null;uniqueIndex:uniq_ledger_events_idempotency_key"`
	IntentID       *string        `gorm:""`
	EntitlementID  *string        `gorm:""`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_events_account_created,priority:2"`
}

func (LedgerEvent) TableName() string { return "ledger_events" }

// PaymentIntent mirrors the payment_intents table.
type PaymentIntent struct {
	IntentID              string          `gorm:"primaryKey"`
	AccountID             string          `gorm:"not null;index:idx_payment_intents_account_created,priority:1"`
	PackageID             string          `gorm:"not null"`
	Coins                 int64           `gorm:"not null"`
	Price                 decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	OrderRef              string          `gorm:"not null;uniqueIndex:uniq_payment_intents_order_ref"`
	Status                string          `gorm:"not null;index:idx_payment_intents_status_created,priority:1"`
	ExternalTransactionID string          `gorm:"not null;default:''"`
	PaymentMethod         string          `gorm:"not null;default:''"`
	CreatedAt             time.Time       `gorm:"not null;index:idx_payment_intents_account_created,priority:2;index:idx_payment_intents_status_created,priority:2"`
	UpdatedAt             time.Time       `gorm:"not null"`
}

func (PaymentIntent) TableName() string { return "payment_intents" }

// Entitlement mirrors the entitlements table.
type Entitlement struct {
	EntitlementID string    `gorm:"primaryKey"`
	AccountID     string    `gorm:"not null;uniqueIndex:uniq_entitlements_account_chapter,priority:1;index:idx_entitlements_account_story,priority:1"`
	ChapterID     string    `gorm:"not null;uniqueIndex:uniq_entitlements_account_chapter,priority:2"`
	StoryID       string    `gorm:"not null;index:idx_entitlements_account_story,priority:2"`
	PricePaid     int64     `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (Entitlement) TableName() string { return "entitlements" }

// Models lists every table managed by this store, in dependency order.
func Models() []any {
	return []any{&Account{}, &LedgerEvent{}, &PaymentIntent{}, &Entitlement{}}
}
