package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds a client's funds split into a wallet sub-balance
// (withdrawable) and a trading sub-balance. Balance is persisted as the
// sum of the two and is rewritten on every mutation; it is never read as
// a source of truth inside the ledger.
type Account struct {
	ID             int             `json:"id" db:"id"`
	UserID         int             `json:"user_id" db:"user_id"`
	AccountNumber  string          `json:"account_number" db:"account_number"`
	WalletBalance  decimal.Decimal `json:"wallet_balance" db:"wallet_balance"`
	TradingBalance decimal.Decimal `json:"trading_balance" db:"trading_balance"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	Currency       string          `json:"currency" db:"currency"`
	Leverage       int             `json:"leverage" db:"leverage"`
	Status         string          `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

const (
	AccountStatusActive    = "active"
	AccountStatusSuspended = "suspended"
	AccountStatusClosed    = "closed"
)
