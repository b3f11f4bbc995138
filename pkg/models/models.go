package models

import (
	"time"

	"github.com/google/uuid"
)

// Currency kinds tracked by the ledger
const (
	CurrencyCoins  = "coins"  // primary currency
	CurrencyTokens = "tokens" // secondary reward currency
)

// Account represents a user's balance for a specific currency
type Account struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    string    `json:"user_id" gorm:"index:idx_accounts_user_currency,unique"`
	Currency  string    `json:"currency" gorm:"index:idx_accounts_user_currency,unique"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Companion represents a uniquely-owned collectible creature. Each instance is
// rolled from a template and carries its own attribute set; Active marks the
// companion currently accompanying its owner.
type Companion struct {
	ID         uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	OwnerID    string    `json:"owner_id" gorm:"index"`
	TemplateID string    `json:"template_id" gorm:"index"`
	Attributes string    `json:"attributes" gorm:"type:text"` // JSON: rolled stats
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TradeRecord is the immutable history entry appended after a settled trade
type TradeRecord struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Location  string    `json:"location" gorm:"index"`
	UserA     string    `json:"user_a" gorm:"index"`
	UserB     string    `json:"user_b" gorm:"index"`
	OfferA    string    `json:"offer_a" gorm:"type:text"` // JSON: final offer of user A
	OfferB    string    `json:"offer_b" gorm:"type:text"` // JSON: final offer of user B
	CreatedAt time.Time `json:"created_at"`
}
