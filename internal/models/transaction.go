package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is one immutable ledger entry. It is created in the same
// database transaction as the balance mutation it records and is never
// updated or deleted afterwards. Amount is always stored positive; the
// direction is carried by Type.
type Transaction struct {
	ID            int             `json:"id" db:"id"`
	Reference     string          `json:"reference" db:"reference"`
	UserID        int             `json:"user_id" db:"user_id"`
	AccountID     *int            `json:"account_id,omitempty" db:"account_id"` // nil for admin-pool entries
	Type          string          `json:"type" db:"type"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	Status        string          `json:"status" db:"status"`
	Description   string          `json:"description" db:"description"`
	PerformedByID int             `json:"performed_by_id" db:"performed_by_id"`
	FromUserID    *int            `json:"from_user_id,omitempty" db:"from_user_id"`
	ToUserID      *int            `json:"to_user_id,omitempty" db:"to_user_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

const (
	TransactionTypeDeposit  = "deposit"
	TransactionTypeWithdraw = "withdraw"
	TransactionTypeTransfer = "transfer"

	// Ledger entries are only written for mutations that happened.
	TransactionStatusCompleted = "completed"
)

// TransactionRequest is a client-submitted deposit/withdrawal that waits
// for an admin or manager decision. Only pending requests can transition;
// approved, rejected and cancelled are terminal. TransactionID is set if
// and only if the request was approved.
type TransactionRequest struct {
	ID              int                 `json:"id" db:"id"`
	UserID          int                 `json:"user_id" db:"user_id"`
	RequestType     string              `json:"request_type" db:"request_type"`
	RequestedAmount decimal.Decimal     `json:"requested_amount" db:"requested_amount"`
	ApprovedAmount  decimal.NullDecimal `json:"approved_amount,omitempty" db:"approved_amount"`
	Status          string              `json:"status" db:"status"`
	ClientNotes     string              `json:"client_notes,omitempty" db:"client_notes"`
	AdminNotes      string              `json:"admin_notes,omitempty" db:"admin_notes"`
	ApprovedByID    *int                `json:"approved_by_id,omitempty" db:"approved_by_id"`
	ApprovedAt      *time.Time          `json:"approved_at,omitempty" db:"approved_at"`
	TransactionID   *int                `json:"transaction_id,omitempty" db:"transaction_id"`
	CreatedAt       time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt       *time.Time          `json:"updated_at,omitempty" db:"updated_at"`
}

const (
	RequestTypeDeposit    = "deposit"
	RequestTypeWithdrawal = "withdrawal"

	RequestStatusPending   = "pending"
	RequestStatusApproved  = "approved"
	RequestStatusRejected  = "rejected"
	RequestStatusCancelled = "cancelled"
)
