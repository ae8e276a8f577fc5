package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/atlasbroker/backend/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newTransactionService(t *testing.T) (*TransactionService, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	return NewTransactionService(db, NewLedgerService(db)), mock, func() { db.Close() }
}

func TestTransactionService_directMutation(t *testing.T) {
	service, mock, done := newTransactionService(t)
	defer done()

	manager := models.Actor{UserID: 1, Role: models.RoleManager}
	admin := models.Actor{UserID: 2, Role: models.RoleAdmin, BranchID: 10}

	expectLoadUser := func(id int, role string, branchID int, name string) {
		mock.ExpectQuery("SELECT role, COALESCE\\(branch_id, 0\\), name FROM users WHERE id = \\$1").
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"role", "branch_id", "name"}).
				AddRow(role, branchID, name))
	}

	t.Run("manager deposits to admin pool", func(t *testing.T) {
		expectLoadUser(5, string(models.RoleAdmin), 10, "Branch Admin")

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT COALESCE\\(admin_balance, 0\\) FROM users WHERE id = \\$1 AND role = \\$2 FOR UPDATE").
			WithArgs(5, string(models.RoleAdmin)).
			WillReturnRows(sqlmock.NewRows([]string{"admin_balance"}).AddRow("0"))
		mock.ExpectExec("UPDATE users SET admin_balance = \\$1").
			WithArgs(decimal.NewFromInt(200), 5).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
		mock.ExpectCommit()

		result, err := service.directMutation(manager, DirectMutationPayload{
			TargetUserID: 5,
			Amount:       decimal.NewFromInt(200),
			Notes:        "branch float",
		}, OpDepositAdminPool)
		assert.NoError(t, err)
		assert.Equal(t, "Branch Admin", result.targetName)
		assert.True(t, result.entry.BalanceAfter.Equal(decimal.NewFromInt(200)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("manager deposits to client trading balance", func(t *testing.T) {
		expectLoadUser(7, string(models.RoleClient), 10, "Jane Smith")

		mock.ExpectQuery("SELECT id FROM accounts WHERE user_id = \\$1").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT wallet_balance, trading_balance FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"wallet_balance", "trading_balance"}).AddRow("100", "0"))
		mock.ExpectExec("UPDATE accounts SET wallet_balance = \\$1").
			WithArgs(decimal.NewFromInt(100), decimal.NewFromInt(300), decimal.NewFromInt(400), 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(43))
		mock.ExpectCommit()

		result, err := service.directMutation(manager, DirectMutationPayload{
			TargetUserID: 7,
			Amount:       decimal.NewFromInt(300),
			Notes:        "initial funding",
		}, OpDepositClient)
		assert.NoError(t, err)
		assert.Equal(t, models.TransactionTypeDeposit, result.entry.Type)
		assert.True(t, result.entry.BalanceBefore.IsZero())
		assert.True(t, result.entry.BalanceAfter.Equal(decimal.NewFromInt(300)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("admin withdrawal from own-branch client debits wallet", func(t *testing.T) {
		expectLoadUser(7, string(models.RoleClient), 10, "Jane Smith")

		mock.ExpectQuery("SELECT id FROM accounts WHERE user_id = \\$1").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT wallet_balance, trading_balance FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"wallet_balance", "trading_balance"}).AddRow("100", "0"))
		mock.ExpectExec("UPDATE accounts SET wallet_balance = \\$1").
			WithArgs(decimal.NewFromInt(70), decimal.NewFromInt(0), decimal.NewFromInt(70), 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(44))
		mock.ExpectCommit()

		result, err := service.directMutation(admin, DirectMutationPayload{
			TargetUserID: 7,
			Amount:       decimal.NewFromInt(30),
			Notes:        "client payout",
		}, OpWithdrawClient)
		assert.NoError(t, err)
		assert.Equal(t, models.TransactionTypeWithdraw, result.entry.Type)
		assert.True(t, result.entry.BalanceAfter.Equal(decimal.NewFromInt(70)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("admin cannot reach a client in another branch", func(t *testing.T) {
		expectLoadUser(8, string(models.RoleClient), 20, "Other Branch Client")

		_, err := service.directMutation(admin, DirectMutationPayload{
			TargetUserID: 8,
			Amount:       decimal.NewFromInt(30),
			Notes:        "client payout",
		}, OpWithdrawClient)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing target user", func(t *testing.T) {
		mock.ExpectQuery("SELECT role, COALESCE\\(branch_id, 0\\), name FROM users WHERE id = \\$1").
			WithArgs(99).
			WillReturnRows(sqlmock.NewRows([]string{"role", "branch_id", "name"}))

		_, err := service.directMutation(manager, DirectMutationPayload{
			TargetUserID: 99,
			Amount:       decimal.NewFromInt(30),
			Notes:        "anything",
		}, OpDepositClient)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("missing notes rejected", func(t *testing.T) {
		_, err := service.directMutation(manager, DirectMutationPayload{
			TargetUserID: 7,
			Amount:       decimal.NewFromInt(30),
		}, OpDepositClient)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("negative amount rejected", func(t *testing.T) {
		_, err := service.directMutation(manager, DirectMutationPayload{
			TargetUserID: 7,
			Amount:       decimal.NewFromInt(-30),
			Notes:        "nope",
		}, OpDepositClient)
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestTransactionService_transferProfit(t *testing.T) {
	service, mock, done := newTransactionService(t)
	defer done()

	client := models.Actor{UserID: 7, Role: models.RoleClient, BranchID: 10}

	t.Run("moves trading funds to wallet", func(t *testing.T) {
		mock.ExpectQuery("SELECT id FROM accounts WHERE user_id = \\$1").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT wallet_balance, trading_balance FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"wallet_balance", "trading_balance"}).AddRow("20", "80"))
		mock.ExpectExec("UPDATE accounts SET wallet_balance = \\$1").
			WithArgs(decimal.NewFromInt(70), decimal.NewFromInt(30), decimal.NewFromInt(100), 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(45))
		mock.ExpectCommit()

		entry, err := service.transferProfit(client, decimal.NewFromInt(50))
		assert.NoError(t, err)
		assert.Equal(t, models.TransactionTypeTransfer, entry.Type)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("client without an account", func(t *testing.T) {
		mock.ExpectQuery("SELECT id FROM accounts WHERE user_id = \\$1").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := service.transferProfit(client, decimal.NewFromInt(50))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("non-client actor is refused before any lookup", func(t *testing.T) {
		admin := models.Actor{UserID: 2, Role: models.RoleAdmin, BranchID: 10}

		_, err := service.transferProfit(admin, decimal.NewFromInt(50))
		assert.ErrorIs(t, err, ErrForbidden)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransactionService_fetchHistory(t *testing.T) {
	service, mock, done := newTransactionService(t)
	defer done()

	t.Run("entries come back newest first with performer names", func(t *testing.T) {
		now := time.Now()
		ref1, ref2 := uuid.NewString(), uuid.NewString()

		mock.ExpectQuery("FROM transactions t LEFT JOIN users u ON t.performed_by_id = u.id WHERE t.user_id = \\$1 ORDER BY t.created_at DESC LIMIT \\$2").
			WithArgs(7, 50).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "reference", "type", "amount", "balance_before", "balance_after",
				"description", "status", "name", "created_at",
			}).
				AddRow(2, ref2, models.TransactionTypeWithdraw, "30", "100", "70",
					"Withdrawal by Manager: payout", models.TransactionStatusCompleted, "unknown", now).
				AddRow(1, ref1, models.TransactionTypeDeposit, "100", "0", "100",
					"Deposit by Admin: funding", models.TransactionStatusCompleted, "Branch Admin", now.Add(-time.Hour)))

		entries, err := service.fetchHistory(7, 50)
		assert.NoError(t, err)
		assert.Len(t, entries, 2)
		assert.Equal(t, 2, entries[0].ID)
		assert.Equal(t, 30.0, entries[0].Amount)
		assert.Equal(t, 100.0, entries[0].BalanceBefore)
		assert.Equal(t, 70.0, entries[0].BalanceAfter)
		assert.Equal(t, "unknown", entries[0].PerformedByName)
		assert.Equal(t, "Branch Admin", entries[1].PerformedByName)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty history", func(t *testing.T) {
		mock.ExpectQuery("FROM transactions t LEFT JOIN users u ON t.performed_by_id = u.id").
			WithArgs(9, 50).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "reference", "type", "amount", "balance_before", "balance_after",
				"description", "status", "name", "created_at",
			}))

		entries, err := service.fetchHistory(9, 50)
		assert.NoError(t, err)
		assert.Empty(t, entries)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
