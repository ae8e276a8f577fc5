package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/atlasbroker/backend/internal/middleware"
	"github.com/atlasbroker/backend/internal/models"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestGenerateAccountNumber(t *testing.T) {
	pattern := regexp.MustCompile(`^ACC-\d{5}$`)

	for i := 0; i < 100; i++ {
		number := generateAccountNumber()
		assert.Regexp(t, pattern, number)

		n, err := strconv.Atoi(number[4:])
		assert.NoError(t, err)
		assert.GreaterOrEqual(t, n, 10000)
		assert.LessOrEqual(t, n, 99999)
	}
}

func TestAccountService_CreateAccountTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db)

	t.Run("creates account on first attempt", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectExec("^SAVEPOINT create_account$").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO accounts").
			WithArgs(7, sqlmock.AnyArg(), "active").
			WillReturnResult(sqlmock.NewResult(1, 1))

		number, err := service.CreateAccountTx(tx, 7)
		assert.NoError(t, err)
		assert.Regexp(t, `^ACC-\d{5}$`, number)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back to the savepoint and retries on collision", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		// The failed INSERT aborts the enclosing transaction unless it is
		// rolled back to the savepoint before the next attempt.
		mock.ExpectExec("^SAVEPOINT create_account$").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO accounts").
			WithArgs(7, sqlmock.AnyArg(), "active").
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectExec("^ROLLBACK TO SAVEPOINT create_account$").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("^SAVEPOINT create_account$").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO accounts").
			WithArgs(7, sqlmock.AnyArg(), "active").
			WillReturnResult(sqlmock.NewResult(1, 1))

		number, err := service.CreateAccountTx(tx, 7)
		assert.NoError(t, err)
		assert.NotEmpty(t, number)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("gives up after repeated collisions", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		for i := 0; i < accountNumberRetries; i++ {
			mock.ExpectExec("^SAVEPOINT create_account$").
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec("INSERT INTO accounts").
				WithArgs(7, sqlmock.AnyArg(), "active").
				WillReturnError(&pq.Error{Code: "23505"})
			mock.ExpectExec("^ROLLBACK TO SAVEPOINT create_account$").
				WillReturnResult(sqlmock.NewResult(0, 0))
		}

		_, err := service.CreateAccountTx(tx, 7)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "exhausted")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("other database errors are not retried", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectExec("^SAVEPOINT create_account$").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO accounts").
			WithArgs(7, sqlmock.AnyArg(), "active").
			WillReturnError(&pq.Error{Code: "23503"})

		_, err := service.CreateAccountTx(tx, 7)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAccountService_fetchAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db)

	t.Run("returns both sub-balances and the total", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, account_number, wallet_balance, trading_balance, balance, currency, leverage, status FROM accounts WHERE user_id = \\$1").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "account_number", "wallet_balance", "trading_balance", "balance",
				"currency", "leverage", "status",
			}).AddRow(1, "ACC-48215", "70", "250", "320", "USD", 100, "active"))

		view, err := service.fetchAccount(7)
		assert.NoError(t, err)
		assert.Equal(t, "ACC-48215", view.AccountNumber)
		assert.Equal(t, 70.0, view.WalletBalance)
		assert.Equal(t, 250.0, view.TradingBalance)
		assert.Equal(t, 320.0, view.Balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing account", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, account_number").
			WithArgs(9).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "account_number", "wallet_balance", "trading_balance", "balance",
				"currency", "leverage", "status",
			}))

		_, err := service.fetchAccount(9)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAccountService_BranchInfo(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db)

	t.Run("admin sees branch settings, client count and pool balance", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, name, code, commission_per_lot, leverage, created_at FROM branches WHERE id = \\$1").
			WithArgs(10).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "name", "code", "commission_per_lot", "leverage", "created_at",
			}).AddRow(10, "Downtown", "DT", "2.5", 100, time.Now()))
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM users WHERE role = \\$1 AND branch_id = \\$2").
			WithArgs(models.RoleClient, 10).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
		mock.ExpectQuery("SELECT COALESCE\\(admin_balance, 0\\) FROM users WHERE id = \\$1").
			WithArgs(2).
			WillReturnRows(sqlmock.NewRows([]string{"admin_balance"}).AddRow("500"))

		r := httptest.NewRequest("GET", "/admin/branch-info", nil)
		r = r.WithContext(middleware.WithActor(r.Context(), models.Actor{UserID: 2, Role: models.RoleAdmin, BranchID: 10}))
		w := httptest.NewRecorder()

		service.BranchInfo(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, "Downtown", resp["name"])
		assert.Equal(t, 12.0, resp["client_count"])
		assert.Equal(t, 500.0, resp["admin_balance"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-admin is refused", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/admin/branch-info", nil)
		r = r.WithContext(middleware.WithActor(r.Context(), models.Actor{UserID: 1, Role: models.RoleManager}))
		w := httptest.NewRecorder()

		service.BranchInfo(w, r)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}
