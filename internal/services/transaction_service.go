package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/atlasbroker/backend/internal/middleware"
	"github.com/atlasbroker/backend/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// TransactionService exposes the direct balance-mutation endpoints
// (manager/admin deposits and withdrawals, client profit transfer) and the
// per-user ledger history. Every mutation goes through the LedgerService;
// every authorization decision goes through the gate.
type TransactionService struct {
	db        *sql.DB
	ledger    *LedgerService
	validator *ValidationHelper
}

func NewTransactionService(db *sql.DB, ledger *LedgerService) *TransactionService {
	return &TransactionService{
		db:        db,
		ledger:    ledger,
		validator: NewValidationHelper(),
	}
}

// DirectMutationPayload is a manager/admin deposit or withdrawal.
type DirectMutationPayload struct {
	TargetUserID int             `json:"target_user_id" validate:"required,gt=0"`
	Amount       decimal.Decimal `json:"amount"`
	Notes        string          `json:"notes" validate:"required,min=1,max=500"`
}

// ProfitTransferPayload moves a client's own funds from trading to wallet.
type ProfitTransferPayload struct {
	Amount decimal.Decimal `json:"amount"`
}

// HistoryEntry is the read-side projection of one ledger entry.
type HistoryEntry struct {
	ID              int       `json:"id"`
	Reference       string    `json:"reference"`
	Type            string    `json:"type"`
	Amount          float64   `json:"amount"`
	BalanceBefore   float64   `json:"balance_before"`
	BalanceAfter    float64   `json:"balance_after"`
	Description     string    `json:"description,omitempty"`
	Status          string    `json:"status"`
	PerformedByName string    `json:"performed_by_name"`
	CreatedAt       time.Time `json:"created_at"`
}

type mutationResult struct {
	entry      *models.Transaction
	targetName string
}

// directMutation resolves the target, runs the gate, and applies one
// signed mutation in its own transaction. op decides both the policy rule
// and which sub-balance moves: deposits credit the trading balance (or the
// admin pool), withdrawals debit the wallet balance (or the admin pool).
func (s *TransactionService) directMutation(actor models.Actor, payload DirectMutationPayload, op Operation) (*mutationResult, error) {
	if err := s.validator.ValidateStruct(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := requirePositive("amount", payload.Amount); err != nil {
		return nil, err
	}

	var (
		targetRole   string
		targetBranch int
		targetName   string
	)
	err := s.db.QueryRow(`
		SELECT role, COALESCE(branch_id, 0), name FROM users
		WHERE id = $1`, payload.TargetUserID).Scan(&targetRole, &targetBranch, &targetName)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load user %d: %w", payload.TargetUserID, err)
	}

	target := AuthzTarget{UserID: payload.TargetUserID, Role: models.Role(targetRole), BranchID: targetBranch}
	if err := Authorize(actor, target, op); err != nil {
		return nil, err
	}

	mut := BalanceMutation{
		TargetUserID: payload.TargetUserID,
		PerformedBy:  actor.UserID,
	}

	actorTitle := "Manager"
	if actor.Role == models.RoleAdmin {
		actorTitle = "Admin"
	}

	switch op {
	case OpDepositAdminPool:
		mut.Sub = SubBalanceAdminPool
		mut.Amount = payload.Amount
		mut.Type = models.TransactionTypeDeposit
		mut.ToUserID = &payload.TargetUserID
		mut.Description = fmt.Sprintf("Deposit by %s: %s", actorTitle, payload.Notes)
	case OpWithdrawAdminPool:
		mut.Sub = SubBalanceAdminPool
		mut.Amount = payload.Amount.Neg()
		mut.Type = models.TransactionTypeWithdraw
		mut.FromUserID = &payload.TargetUserID
		mut.Description = fmt.Sprintf("Withdrawal by %s: %s", actorTitle, payload.Notes)
	case OpDepositClient, OpWithdrawClient:
		var accountID int
		err := s.db.QueryRow(`SELECT id FROM accounts WHERE user_id = $1`, payload.TargetUserID).Scan(&accountID)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("load account of user %d: %w", payload.TargetUserID, err)
		}
		mut.AccountID = accountID
		if op == OpDepositClient {
			mut.Sub = SubBalanceTrading
			mut.Amount = payload.Amount
			mut.Type = models.TransactionTypeDeposit
			mut.ToUserID = &payload.TargetUserID
			mut.Description = fmt.Sprintf("Deposit by %s: %s", actorTitle, payload.Notes)
		} else {
			mut.Sub = SubBalanceWallet
			mut.Amount = payload.Amount.Neg()
			mut.Type = models.TransactionTypeWithdraw
			mut.FromUserID = &payload.TargetUserID
			mut.Description = fmt.Sprintf("Withdrawal by %s: %s", actorTitle, payload.Notes)
		}
	default:
		return nil, ErrForbidden
	}

	entry, err := s.ledger.Apply(mut)
	if err != nil {
		return nil, err
	}

	log.Printf("[TRANSACTION] %s %d performed %s of %s on user %d", actor.Role,
		actor.UserID, mut.Type, payload.Amount.StringFixed(2), payload.TargetUserID)
	return &mutationResult{entry: entry, targetName: targetName}, nil
}

func (s *TransactionService) handleDirectMutation(w http.ResponseWriter, r *http.Request, op Operation) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var payload DirectMutationPayload
	if !decodeJSONBody(w, r, &payload) {
		return
	}

	result, err := s.directMutation(actor, payload, op)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	amount, _ := payload.Amount.Float64()
	newBalance, _ := result.entry.BalanceAfter.Float64()
	verb := "deposited"
	if result.entry.Type == models.TransactionTypeWithdraw {
		verb = "withdrew"
	}

	resp := map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Successfully %s %.2f for %s", verb, amount, result.targetName),
	}

	if result.entry.AccountID != nil {
		// Client mutations report both the moved sub-balance and the
		// derived total.
		var wallet, trading, total decimal.Decimal
		err := s.db.QueryRow(`
			SELECT wallet_balance, trading_balance, balance FROM accounts
			WHERE id = $1`, *result.entry.AccountID).Scan(&wallet, &trading, &total)
		if err == nil {
			w64, _ := wallet.Float64()
			t64, _ := trading.Float64()
			tot, _ := total.Float64()
			resp["new_wallet_balance"] = w64
			resp["new_trading_balance"] = t64
			resp["new_total_balance"] = tot
		}
	} else {
		resp["new_balance"] = newBalance
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ManagerDepositAdmin credits an admin's pool balance
// @Summary Manager deposits to an admin pool
// @Tags transactions
// @Accept json
// @Produce json
// @Param request body DirectMutationPayload true "Deposit data"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /transactions/manager/deposit-admin [post]
func (s *TransactionService) ManagerDepositAdmin(w http.ResponseWriter, r *http.Request) {
	s.handleDirectMutation(w, r, OpDepositAdminPool)
}

// ManagerWithdrawAdmin debits an admin's pool balance
// @Summary Manager withdraws from an admin pool
// @Tags transactions
// @Accept json
// @Produce json
// @Param request body DirectMutationPayload true "Withdrawal data"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /transactions/manager/withdraw-admin [post]
func (s *TransactionService) ManagerWithdrawAdmin(w http.ResponseWriter, r *http.Request) {
	s.handleDirectMutation(w, r, OpWithdrawAdminPool)
}

// ManagerDepositClient credits a client's trading balance
// @Summary Manager deposits to a client account
// @Tags transactions
// @Accept json
// @Produce json
// @Param request body DirectMutationPayload true "Deposit data"
// @Success 200 {object} map[string]interface{}
// @Router /transactions/manager/deposit-client [post]
func (s *TransactionService) ManagerDepositClient(w http.ResponseWriter, r *http.Request) {
	s.handleDirectMutation(w, r, OpDepositClient)
}

// ManagerWithdrawClient debits a client's wallet balance
// @Summary Manager withdraws from a client account
// @Tags transactions
// @Accept json
// @Produce json
// @Param request body DirectMutationPayload true "Withdrawal data"
// @Success 200 {object} map[string]interface{}
// @Router /transactions/manager/withdraw-client [post]
func (s *TransactionService) ManagerWithdrawClient(w http.ResponseWriter, r *http.Request) {
	s.handleDirectMutation(w, r, OpWithdrawClient)
}

// AdminDepositClient credits a client's trading balance within the admin's branch
// @Summary Admin deposits to a client in their branch
// @Tags transactions
// @Accept json
// @Produce json
// @Param request body DirectMutationPayload true "Deposit data"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} ErrorResponse
// @Router /transactions/admin/deposit-client [post]
func (s *TransactionService) AdminDepositClient(w http.ResponseWriter, r *http.Request) {
	s.handleDirectMutation(w, r, OpDepositClient)
}

// AdminWithdrawClient debits a client's wallet balance within the admin's branch
// @Summary Admin withdraws from a client in their branch
// @Tags transactions
// @Accept json
// @Produce json
// @Param request body DirectMutationPayload true "Withdrawal data"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} ErrorResponse
// @Router /transactions/admin/withdraw-client [post]
func (s *TransactionService) AdminWithdrawClient(w http.ResponseWriter, r *http.Request) {
	s.handleDirectMutation(w, r, OpWithdrawClient)
}

// TransferProfit handles a client's trading-to-wallet move
// @Summary Transfer profit from trading balance to wallet
// @Tags transactions
// @Accept json
// @Produce json
// @Param request body ProfitTransferPayload true "Transfer data"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Router /transactions/transfer-profit [post]
func (s *TransactionService) TransferProfit(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var payload ProfitTransferPayload
	if !decodeJSONBody(w, r, &payload) {
		return
	}

	entry, err := s.transferProfit(actor, payload.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var wallet, trading decimal.Decimal
	resp := map[string]interface{}{
		"success": true,
	}
	amount, _ := payload.Amount.Float64()
	resp["message"] = fmt.Sprintf("Successfully transferred %.2f to wallet", amount)
	if entry.AccountID != nil {
		err := s.db.QueryRow(`
			SELECT wallet_balance, trading_balance FROM accounts
			WHERE id = $1`, *entry.AccountID).Scan(&wallet, &trading)
		if err == nil {
			w64, _ := wallet.Float64()
			t64, _ := trading.Float64()
			resp["new_wallet_balance"] = w64
			resp["new_trading_balance"] = t64
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *TransactionService) transferProfit(actor models.Actor, amount decimal.Decimal) (*models.Transaction, error) {
	if err := requirePositive("amount", amount); err != nil {
		return nil, err
	}

	// Role check first: a non-client is refused before any account lookup,
	// so the caller sees Forbidden rather than a missing-account NotFound.
	target := AuthzTarget{UserID: actor.UserID, Role: actor.Role, BranchID: actor.BranchID}
	if err := Authorize(actor, target, OpTransferProfit); err != nil {
		return nil, err
	}

	var accountID int
	err := s.db.QueryRow(`SELECT id FROM accounts WHERE user_id = $1`, actor.UserID).Scan(&accountID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load account of user %d: %w", actor.UserID, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := s.ledger.TransferProfitTx(tx, accountID, actor.UserID, amount, actor.UserID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// TransactionHistory lists the caller's ledger entries
// @Summary Get transaction history
// @Description Ledger entries for the current user, newest first
// @Tags transactions
// @Produce json
// @Param limit query int false "Number of entries to return (default 50, max 200)"
// @Success 200 {array} HistoryEntry
// @Router /transactions/history [get]
func (s *TransactionService) TransactionHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > 200 {
		limit = 200
	}

	entries, err := s.fetchHistory(actor.UserID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func (s *TransactionService) fetchHistory(userID, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT t.id, t.reference, t.type, t.amount, t.balance_before, t.balance_after,
		       COALESCE(t.description, ''), t.status, COALESCE(u.name, 'unknown'), t.created_at
		FROM transactions t
		LEFT JOIN users u ON t.performed_by_id = u.id
		WHERE t.user_id = $1
		ORDER BY t.created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer rows.Close()

	entries := []HistoryEntry{}
	for rows.Next() {
		var (
			e                     HistoryEntry
			amount, before, after decimal.Decimal
		)
		err := rows.Scan(&e.ID, &e.Reference, &e.Type, &amount, &before, &after,
			&e.Description, &e.Status, &e.PerformedByName, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		e.Amount, _ = amount.Float64()
		e.BalanceBefore, _ = before.Float64()
		e.BalanceAfter, _ = after.Float64()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func pathInt(r *http.Request, key string) (int, error) {
	return strconv.Atoi(chi.URLParam(r, key))
}
