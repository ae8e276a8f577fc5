package services

import "github.com/atlasbroker/backend/internal/models"

// Operation is a balance-affecting capability checked by the gate.
type Operation string

const (
	OpDepositAdminPool  Operation = "deposit_admin_pool"
	OpWithdrawAdminPool Operation = "withdraw_admin_pool"
	OpDepositClient     Operation = "deposit_client"
	OpWithdrawClient    Operation = "withdraw_client"
	OpTransferProfit    Operation = "transfer_profit"
	OpDecideRequest     Operation = "decide_request"
)

// AuthzTarget is the user whose balance (or request) the operation acts on.
type AuthzTarget struct {
	UserID   int
	Role     models.Role
	BranchID int
}

// Authorize is the single place where role and branch rules live. It is a
// pure decision: no database, no transport.
//
// Managers act on any admin pool and any client, branch-unrestricted.
// Admins act only on clients in their own branch; out-of-branch targets
// come back as ErrNotFound so a probing admin cannot distinguish "wrong
// branch" from "no such user". Clients may only move their own profit from
// trading to wallet.
func Authorize(actor models.Actor, target AuthzTarget, op Operation) error {
	switch actor.Role {
	case models.RoleManager:
		switch op {
		case OpDepositAdminPool, OpWithdrawAdminPool:
			if target.Role != models.RoleAdmin {
				return ErrNotFound
			}
			return nil
		case OpDepositClient, OpWithdrawClient, OpDecideRequest:
			if target.Role != models.RoleClient {
				return ErrNotFound
			}
			return nil
		}
		return ErrForbidden

	case models.RoleAdmin:
		switch op {
		case OpDepositClient, OpWithdrawClient, OpDecideRequest:
			if target.Role != models.RoleClient || target.BranchID != actor.BranchID {
				return ErrNotFound
			}
			return nil
		}
		return ErrForbidden

	case models.RoleClient:
		if op == OpTransferProfit && target.UserID == actor.UserID {
			return nil
		}
		return ErrForbidden
	}

	return ErrForbidden
}
