package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role determines what a user may do and who they may do it to.
type Role string

const (
	RoleClient  Role = "client"
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
)

type User struct {
	ID            int    `json:"id" example:"1"`
	Email         string `json:"email" example:"user@example.com"`
	Name          string `json:"name" example:"John Doe"`
	Role          Role   `json:"role" example:"client"`
	BranchID      *int   `json:"branch_id,omitempty"`
	AccountNumber string `json:"account_number,omitempty" example:"ACC-12345"`
	// AdminBalance is the admin-pool ledger balance. Only admin-role users
	// carry one; it is not backed by an Account row.
	AdminBalance decimal.NullDecimal `json:"admin_balance,omitempty"`
	IsActive     bool                `json:"is_active"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Actor is the authenticated identity attached to every request by the
// auth middleware. BranchID is 0 for users without a branch assignment.
type Actor struct {
	UserID   int
	Role     Role
	BranchID int
}

// Branch groups admins and their clients. An admin's authority never
// crosses branch boundaries.
type Branch struct {
	ID               int             `json:"id"`
	Name             string          `json:"name"`
	Code             string          `json:"code"`
	CommissionPerLot decimal.Decimal `json:"commission_per_lot"`
	Leverage         int             `json:"leverage"`
	CreatedAt        time.Time       `json:"created_at"`
}
