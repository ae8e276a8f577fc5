package services

import (
	"testing"

	"github.com/atlasbroker/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestAuthorize(t *testing.T) {
	manager := models.Actor{UserID: 1, Role: models.RoleManager}
	admin := models.Actor{UserID: 2, Role: models.RoleAdmin, BranchID: 10}
	client := models.Actor{UserID: 3, Role: models.RoleClient, BranchID: 10}

	adminTarget := AuthzTarget{UserID: 2, Role: models.RoleAdmin, BranchID: 10}
	sameBranchClient := AuthzTarget{UserID: 3, Role: models.RoleClient, BranchID: 10}
	otherBranchClient := AuthzTarget{UserID: 4, Role: models.RoleClient, BranchID: 20}

	tests := []struct {
		name   string
		actor  models.Actor
		target AuthzTarget
		op     Operation
		want   error
	}{
		{"manager deposits admin pool", manager, adminTarget, OpDepositAdminPool, nil},
		{"manager withdraws admin pool", manager, adminTarget, OpWithdrawAdminPool, nil},
		{"manager admin-pool op on client", manager, sameBranchClient, OpDepositAdminPool, ErrNotFound},
		{"manager deposits any client", manager, otherBranchClient, OpDepositClient, nil},
		{"manager withdraws any client", manager, sameBranchClient, OpWithdrawClient, nil},
		{"manager decides any request", manager, otherBranchClient, OpDecideRequest, nil},
		{"manager client op on admin", manager, adminTarget, OpWithdrawClient, ErrNotFound},
		{"manager cannot transfer profit", manager, adminTarget, OpTransferProfit, ErrForbidden},

		{"admin deposits own-branch client", admin, sameBranchClient, OpDepositClient, nil},
		{"admin withdraws own-branch client", admin, sameBranchClient, OpWithdrawClient, nil},
		{"admin decides own-branch request", admin, sameBranchClient, OpDecideRequest, nil},
		{"admin deposit out-of-branch client", admin, otherBranchClient, OpDepositClient, ErrNotFound},
		{"admin decide out-of-branch request", admin, otherBranchClient, OpDecideRequest, ErrNotFound},
		{"admin client op on an admin", admin, adminTarget, OpDepositClient, ErrNotFound},
		{"admin cannot touch admin pools", admin, adminTarget, OpDepositAdminPool, ErrForbidden},
		{"admin cannot transfer profit", admin, sameBranchClient, OpTransferProfit, ErrForbidden},

		{"client transfers own profit", client, sameBranchClient, OpTransferProfit, nil},
		{"client cannot transfer another's profit", client, otherBranchClient, OpTransferProfit, ErrForbidden},
		{"client cannot deposit", client, sameBranchClient, OpDepositClient, ErrForbidden},
		{"client cannot decide requests", client, sameBranchClient, OpDecideRequest, ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(tt.actor, tt.target, tt.op)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}
