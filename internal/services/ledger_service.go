package services

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/atlasbroker/backend/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SubBalance names the specific balance a mutation is applied to. Wallet
// and trading live on an Account row; the admin pool lives on the users
// row of an admin.
type SubBalance string

const (
	SubBalanceWallet    SubBalance = "wallet"
	SubBalanceTrading   SubBalance = "trading"
	SubBalanceAdminPool SubBalance = "admin_pool"
)

// BalanceMutation describes one signed balance change. Amount is signed:
// negative debits, positive credits. The resulting ledger entry always
// stores the absolute amount, typed by Type.
type BalanceMutation struct {
	AccountID    int // ignored for the admin pool
	TargetUserID int
	Sub          SubBalance
	Amount       decimal.Decimal
	Type         string
	Description  string
	PerformedBy  int
	FromUserID   *int
	ToUserID     *int
}

// LedgerService applies balance mutations and records each one as exactly
// one immutable transactions row, inside the caller's database transaction.
// The target row is locked with FOR UPDATE before the balance is read, so
// two concurrent mutations of the same target can never observe the same
// balance_before.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// Apply runs a single mutation in its own transaction.
func (s *LedgerService) Apply(mut BalanceMutation) (*models.Transaction, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := s.ApplyTx(tx, mut)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// ApplyTx applies a mutation inside an existing transaction so callers can
// commit it atomically with their own writes (request approval does this).
// On any error nothing has been written; the caller's rollback releases
// the row lock.
func (s *LedgerService) ApplyTx(tx *sql.Tx, mut BalanceMutation) (*models.Transaction, error) {
	if mut.Amount.IsZero() {
		return nil, fmt.Errorf("%w: amount must be non-zero", ErrValidation)
	}

	if mut.Sub == SubBalanceAdminPool {
		return s.applyAdminPoolTx(tx, mut)
	}
	return s.applyAccountTx(tx, mut)
}

func (s *LedgerService) applyAccountTx(tx *sql.Tx, mut BalanceMutation) (*models.Transaction, error) {
	var wallet, trading decimal.Decimal
	err := tx.QueryRow(`
		SELECT wallet_balance, trading_balance FROM accounts
		WHERE id = $1
		FOR UPDATE`, mut.AccountID).Scan(&wallet, &trading)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock account %d: %w", mut.AccountID, err)
	}

	var before decimal.Decimal
	switch mut.Sub {
	case SubBalanceWallet:
		before = wallet
	case SubBalanceTrading:
		before = trading
	default:
		return nil, fmt.Errorf("%w: unknown sub-balance %q", ErrValidation, mut.Sub)
	}

	after := before.Add(mut.Amount)
	if after.IsNegative() {
		return nil, fmt.Errorf("%w: %s balance is %s", ErrInsufficientFunds, mut.Sub, before.StringFixed(2))
	}

	if mut.Sub == SubBalanceWallet {
		wallet = after
	} else {
		trading = after
	}

	// The derived total is always rewritten from the two sub-balances,
	// never incremented in place.
	_, err = tx.Exec(`
		UPDATE accounts
		SET wallet_balance = $1, trading_balance = $2, balance = $3, updated_at = NOW()
		WHERE id = $4`,
		wallet, trading, wallet.Add(trading), mut.AccountID)
	if err != nil {
		return nil, fmt.Errorf("update account %d: %w", mut.AccountID, err)
	}

	accountID := mut.AccountID
	return s.appendEntryTx(tx, mut, &accountID, before, after)
}

func (s *LedgerService) applyAdminPoolTx(tx *sql.Tx, mut BalanceMutation) (*models.Transaction, error) {
	var before decimal.Decimal
	err := tx.QueryRow(`
		SELECT COALESCE(admin_balance, 0) FROM users
		WHERE id = $1 AND role = $2
		FOR UPDATE`, mut.TargetUserID, string(models.RoleAdmin)).Scan(&before)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock admin pool %d: %w", mut.TargetUserID, err)
	}

	after := before.Add(mut.Amount)
	if after.IsNegative() {
		return nil, fmt.Errorf("%w: admin balance is %s", ErrInsufficientFunds, before.StringFixed(2))
	}

	_, err = tx.Exec(`
		UPDATE users SET admin_balance = $1, updated_at = NOW()
		WHERE id = $2`, after, mut.TargetUserID)
	if err != nil {
		return nil, fmt.Errorf("update admin pool %d: %w", mut.TargetUserID, err)
	}

	return s.appendEntryTx(tx, mut, nil, before, after)
}

// TransferProfitTx moves funds from the trading sub-balance to the wallet
// sub-balance of one account under a single row lock. The ledger entry
// tracks the trading side: balance_before/after are the trading balance
// around the move.
func (s *LedgerService) TransferProfitTx(tx *sql.Tx, accountID, userID int, amount decimal.Decimal, performedBy int) (*models.Transaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	var wallet, trading decimal.Decimal
	err := tx.QueryRow(`
		SELECT wallet_balance, trading_balance FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(&wallet, &trading)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock account %d: %w", accountID, err)
	}

	if trading.LessThan(amount) {
		return nil, fmt.Errorf("%w: trading balance is %s", ErrInsufficientFunds, trading.StringFixed(2))
	}

	newTrading := trading.Sub(amount)
	newWallet := wallet.Add(amount)

	_, err = tx.Exec(`
		UPDATE accounts
		SET wallet_balance = $1, trading_balance = $2, balance = $3, updated_at = NOW()
		WHERE id = $4`,
		newWallet, newTrading, newWallet.Add(newTrading), accountID)
	if err != nil {
		return nil, fmt.Errorf("update account %d: %w", accountID, err)
	}

	mut := BalanceMutation{
		AccountID:    accountID,
		TargetUserID: userID,
		Sub:          SubBalanceTrading,
		Amount:       amount,
		Type:         models.TransactionTypeTransfer,
		Description:  "Profit transfer from trading balance to wallet balance",
		PerformedBy:  performedBy,
	}
	return s.appendEntryTx(tx, mut, &accountID, trading, newTrading)
}

func (s *LedgerService) appendEntryTx(tx *sql.Tx, mut BalanceMutation, accountID *int, before, after decimal.Decimal) (*models.Transaction, error) {
	entry := &models.Transaction{
		Reference:     uuid.NewString(),
		UserID:        mut.TargetUserID,
		AccountID:     accountID,
		Type:          mut.Type,
		Amount:        mut.Amount.Abs(),
		BalanceBefore: before,
		BalanceAfter:  after,
		Status:        models.TransactionStatusCompleted,
		Description:   mut.Description,
		PerformedByID: mut.PerformedBy,
		FromUserID:    mut.FromUserID,
		ToUserID:      mut.ToUserID,
		CreatedAt:     time.Now(),
	}

	err := tx.QueryRow(`
		INSERT INTO transactions
		(reference, user_id, account_id, type, amount, balance_before, balance_after, status, description, performed_by_id, from_user_id, to_user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		entry.Reference, entry.UserID, entry.AccountID, entry.Type, entry.Amount,
		entry.BalanceBefore, entry.BalanceAfter, entry.Status, entry.Description,
		entry.PerformedByID, entry.FromUserID, entry.ToUserID, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}

	log.Printf("[LEDGER] %s of %s on %s for user %d (before=%s after=%s)",
		entry.Type, entry.Amount.StringFixed(2), mut.Sub, entry.UserID,
		before.StringFixed(2), after.StringFixed(2))
	return entry, nil
}
