package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/atlasbroker/backend/internal/middleware"
	"github.com/atlasbroker/backend/internal/models"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// AccountService serves the read side of accounts plus the admin branch
// views. Account creation itself happens during registration; this service
// owns the account-number generator used there.
type AccountService struct {
	db *sql.DB
}

func NewAccountService(db *sql.DB) *AccountService {
	return &AccountService{db: db}
}

// AccountView is the client-facing shape of an account.
type AccountView struct {
	ID             int     `json:"id"`
	AccountNumber  string  `json:"account_number"`
	WalletBalance  float64 `json:"wallet_balance"`
	TradingBalance float64 `json:"trading_balance"`
	Balance        float64 `json:"balance"`
	Currency       string  `json:"currency"`
	Leverage       int     `json:"leverage"`
	Status         string  `json:"status"`
}

// BranchClientView is one row of the admin's branch client listing.
type BranchClientView struct {
	UserID         int     `json:"user_id"`
	Name           string  `json:"name"`
	Email          string  `json:"email"`
	AccountNumber  string  `json:"account_number"`
	WalletBalance  float64 `json:"wallet_balance"`
	TradingBalance float64 `json:"trading_balance"`
	Balance        float64 `json:"balance"`
	IsActive       bool    `json:"is_active"`
}

// generateAccountNumber produces a candidate public account number in the
// ACC-10000 to ACC-99999 range. Collisions are handled by the caller
// retrying on a unique violation.
func generateAccountNumber() string {
	return fmt.Sprintf("ACC-%05d", 10000+rand.Intn(90000))
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

const accountNumberRetries = 5

// CreateAccountTx opens a trading account for a user inside an existing
// transaction, retrying the generated account number on collision. Each
// attempt runs under a savepoint: a unique violation aborts the whole
// transaction in Postgres, so the failed INSERT must be rolled back to the
// savepoint before the next attempt can run.
func (s *AccountService) CreateAccountTx(tx *sql.Tx, userID int) (string, error) {
	for attempt := 0; attempt < accountNumberRetries; attempt++ {
		accountNumber := generateAccountNumber()
		if _, err := tx.Exec(`SAVEPOINT create_account`); err != nil {
			return "", fmt.Errorf("create account: %w", err)
		}
		_, err := tx.Exec(`
			INSERT INTO accounts (user_id, account_number, wallet_balance, trading_balance, balance,
			                      currency, leverage, status, created_at, updated_at)
			VALUES ($1, $2, 0, 0, 0, 'USD', 100, $3, NOW(), NOW())`,
			userID, accountNumber, models.AccountStatusActive)
		if err == nil {
			return accountNumber, nil
		}
		if isUniqueViolation(err) {
			if _, rbErr := tx.Exec(`ROLLBACK TO SAVEPOINT create_account`); rbErr != nil {
				return "", fmt.Errorf("create account: %w", rbErr)
			}
			log.Printf("[ACCOUNT] account number %s already taken, retrying", accountNumber)
			continue
		}
		return "", fmt.Errorf("create account: %w", err)
	}
	return "", fmt.Errorf("create account: exhausted %d attempts to generate a unique number", accountNumberRetries)
}

// MyAccount returns the caller's trading account
// @Summary Get own account
// @Tags accounts
// @Produce json
// @Success 200 {object} AccountView
// @Failure 404 {object} ErrorResponse
// @Router /accounts/me [get]
func (s *AccountService) MyAccount(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	view, err := s.fetchAccount(actor.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

func (s *AccountService) fetchAccount(userID int) (*AccountView, error) {
	var (
		view                   AccountView
		wallet, trading, total decimal.Decimal
	)
	err := s.db.QueryRow(`
		SELECT id, account_number, wallet_balance, trading_balance, balance, currency, leverage, status
		FROM accounts
		WHERE user_id = $1`, userID).Scan(&view.ID, &view.AccountNumber, &wallet,
		&trading, &total, &view.Currency, &view.Leverage, &view.Status)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch account of user %d: %w", userID, err)
	}
	view.WalletBalance, _ = wallet.Float64()
	view.TradingBalance, _ = trading.Float64()
	view.Balance, _ = total.Float64()
	return &view, nil
}

// BranchClients lists the clients in the caller's branch
// @Summary List branch clients
// @Description Clients of the admin's branch with their account balances. Managers see all clients.
// @Tags admin
// @Produce json
// @Success 200 {array} BranchClientView
// @Failure 403 {object} ErrorResponse
// @Router /admin/branch-clients [get]
func (s *AccountService) BranchClients(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	if actor.Role != models.RoleAdmin && actor.Role != models.RoleManager {
		writeServiceError(w, ErrForbidden)
		return
	}

	query := `
		SELECT u.id, u.name, u.email, a.account_number,
		       a.wallet_balance, a.trading_balance, a.balance, u.is_active
		FROM users u
		JOIN accounts a ON a.user_id = u.id
		WHERE u.role = $1`
	args := []interface{}{models.RoleClient}
	if actor.Role == models.RoleAdmin {
		query += ` AND u.branch_id = $2`
		args = append(args, actor.BranchID)
	}
	query += ` ORDER BY u.name ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		writeServiceError(w, fmt.Errorf("list branch clients: %w", err))
		return
	}
	defer rows.Close()

	clients := []BranchClientView{}
	for rows.Next() {
		var (
			c                      BranchClientView
			wallet, trading, total decimal.Decimal
		)
		err := rows.Scan(&c.UserID, &c.Name, &c.Email, &c.AccountNumber,
			&wallet, &trading, &total, &c.IsActive)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		c.WalletBalance, _ = wallet.Float64()
		c.TradingBalance, _ = trading.Float64()
		c.Balance, _ = total.Float64()
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(clients)
}

// BranchInfo returns the caller's branch settings
// @Summary Get branch info
// @Tags admin
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /admin/branch-info [get]
func (s *AccountService) BranchInfo(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	if actor.Role != models.RoleAdmin {
		writeServiceError(w, ErrForbidden)
		return
	}

	var (
		branch     models.Branch
		commission decimal.Decimal
	)
	err := s.db.QueryRow(`
		SELECT id, name, code, commission_per_lot, leverage, created_at
		FROM branches
		WHERE id = $1`, actor.BranchID).Scan(&branch.ID, &branch.Name, &branch.Code,
		&commission, &branch.Leverage, &branch.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			writeServiceError(w, ErrNotFound)
			return
		}
		writeServiceError(w, fmt.Errorf("fetch branch %d: %w", actor.BranchID, err))
		return
	}

	var clientCount int
	err = s.db.QueryRow(`
		SELECT COUNT(*) FROM users
		WHERE role = $1 AND branch_id = $2`, models.RoleClient, actor.BranchID).Scan(&clientCount)
	if err != nil {
		writeServiceError(w, fmt.Errorf("count branch clients: %w", err))
		return
	}

	var adminBalance decimal.Decimal
	err = s.db.QueryRow(`
		SELECT COALESCE(admin_balance, 0) FROM users
		WHERE id = $1`, actor.UserID).Scan(&adminBalance)
	if err != nil {
		writeServiceError(w, fmt.Errorf("fetch admin balance: %w", err))
		return
	}

	commission64, _ := commission.Float64()
	adminBalance64, _ := adminBalance.Float64()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":                 branch.ID,
		"name":               branch.Name,
		"code":               branch.Code,
		"commission_per_lot": commission64,
		"leverage":           branch.Leverage,
		"client_count":       clientCount,
		"admin_balance":      adminBalance64,
		"created_at":         branch.CreatedAt.Format(time.RFC3339),
	})
}
