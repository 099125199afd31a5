package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. One balance bucket per
// (community, owner) pair.
type Account struct {
	AccountID   string         `gorm:"type:uuid;primaryKey"`
	CommunityID string         `gorm:"not null;index:idx_accounts_community_owner,unique,priority:1"`
	OwnerID     string         `gorm:"not null;index:idx_accounts_community_owner,unique,priority:2"`
	Balance     float64        `gorm:"not null;default:0"`
	Peak        float64        `gorm:"not null;default:0"`
	Attributes  datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time      `gorm:"not null"`
	UpdatedAt   time.Time      `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the ledger_entries table. Rows are append-only.
type LedgerEntry struct {
	EntryID         string         `gorm:"type:uuid;primaryKey"`
	CommunityID     string         `gorm:"not null;index:idx_entries_community_created,priority:1"`
	Amount          float64        `gorm:"not null"`
	Reason          string         `gorm:"not null"`
	FromUserID      string         `gorm:"index:idx_entries_from_user"`
	ToUserID        string         `gorm:"index:idx_entries_to_user"`
	ToPublisherID   string         `gorm:""`
	ToStreamName    string         `gorm:""`
	FromPublisherID string         `gorm:""`
	FromStreamName  string         `gorm:""`
	Attributes      datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt       time.Time      `gorm:"not null;index:idx_entries_community_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Charge mirrors the charges table. The unique (provider, provider_charge_id)
// index is the idempotency barrier for webhook redeliveries.
type Charge struct {
	ChargeID         string         `gorm:"type:uuid;primaryKey"`
	Provider         string         `gorm:"not null;index:idx_charges_provider_charge,unique,priority:1"`
	ProviderChargeID string         `gorm:"not null;index:idx_charges_provider_charge,unique,priority:2"`
	CommunityID      string         `gorm:"not null"`
	UserID           string         `gorm:"not null;index:idx_charges_user"`
	CustomerID       string         `gorm:""`
	Amount           float64        `gorm:"not null"`
	Currency         string         `gorm:"not null"`
	Status           string         `gorm:"not null;default:pending;index:idx_charges_status"`
	Metadata         datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_charges_provider_created"`
}

func (Charge) TableName() string { return "charges" }

func (charge *Charge) BeforeCreate(tx *gorm.DB) error {
	if charge.ChargeID == "" {
		charge.ChargeID = uuid.NewString()
	}
	return nil
}

// Intent mirrors the intents table.
type Intent struct {
	IntentID       string         `gorm:"type:uuid;primaryKey"`
	CommunityID    string         `gorm:"not null"`
	UserID         string         `gorm:"not null;index:idx_intents_user"`
	MissingCredits float64        `gorm:"not null"`
	Amount         float64        `gorm:"not null"`
	Currency       string         `gorm:"not null"`
	Reason         string         `gorm:"not null"`
	Gateway        string         `gorm:"not null"`
	Instructions   datatypes.JSON `gorm:"type:jsonb;not null"`
	State          string         `gorm:"not null;index:idx_intents_state"`
	CreatedAt      time.Time      `gorm:"not null"`
	ExpiresAt      *time.Time     `gorm:""`
}

func (Intent) TableName() string { return "intents" }
