package services

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/clearlabs/credits-backend/internal/config"
	"github.com/clearlabs/credits-backend/internal/models"
)

// LedgerService provides the atomic debit/credit protocol over the balance
// store and the append-only transaction log. Every mutation runs inside one
// database transaction holding a FOR UPDATE lock on the account row, so
// concurrent operations against the same account are fully serialized.
type LedgerService struct {
	db          *sql.DB
	softLimit   float64
	signupBonus float64
	unmetered   map[string]struct{}
}

func NewLedgerService(db *sql.DB) *LedgerService {
	unmetered := make(map[string]struct{})
	for _, account := range config.SplitList(viper.GetString("ledger.unmetered_accounts")) {
		unmetered[strings.ToLower(account)] = struct{}{}
	}
	return &LedgerService{
		db:          db,
		softLimit:   viper.GetFloat64("ledger.soft_limit"),
		signupBonus: viper.GetFloat64("ledger.signup_bonus"),
		unmetered:   unmetered,
	}
}

// DebitResult reports a successful deduction.
type DebitResult struct {
	Deducted      bool    `json:"deducted"`
	BalanceBefore float64 `json:"balanceBefore"`
	BalanceAfter  float64 `json:"balanceAfter"`
	Unmetered     bool    `json:"unmetered,omitempty"`
}

// CreditResult reports an applied or replayed credit.
type CreditResult struct {
	BalanceBefore float64 `json:"balanceBefore"`
	BalanceAfter  float64 `json:"balanceAfter"`
	Replayed      bool    `json:"replayed,omitempty"`
}

// RefundOutcome reports a claw-back. ClawedBack may be less than the
// requested amount when the balance clamps at zero.
type RefundOutcome struct {
	BalanceBefore float64 `json:"balanceBefore"`
	BalanceAfter  float64 `json:"balanceAfter"`
	ClawedBack    float64 `json:"clawedBack"`
}

// Debit atomically deducts amount from the account. The row lock serializes
// concurrent debits; the configured soft limit allows small overdrafts from
// cost estimation error while bounding total exposure. On refusal the
// returned error is an *InsufficientFundsError and no log entry is written.
func (s *LedgerService) Debit(ctx context.Context, accountID string, amount float64, operation string, metadata models.Metadata) (*DebitResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if _, ok := s.unmetered[strings.ToLower(accountID)]; ok {
		bal, err := s.GetBalance(ctx, accountID)
		if err != nil {
			return nil, err
		}
		return &DebitResult{Deducted: true, BalanceBefore: bal.Balance, BalanceAfter: bal.Balance, Unmetered: true}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	bal, err := s.lockBalance(ctx, tx, accountID)
	if err != nil {
		s.logFailure(accountID, operation, amount, err)
		return nil, err
	}

	newBalance := round2(bal.Balance - amount)
	if newBalance < s.softLimit {
		return nil, &InsufficientFundsError{Balance: bal.Balance, Required: amount}
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE balances
		SET balance = $1, total_spent = total_spent + $2, updated_at = $3
		WHERE account_id = $4`,
		newBalance, amount, now, accountID); err != nil {
		s.logFailure(accountID, operation, amount, err)
		return nil, err
	}

	if err := s.appendEntry(ctx, tx, accountID, amount, models.KindDebit, operation, metadata, nil, newBalance, now); err != nil {
		s.logFailure(accountID, operation, amount, err)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		s.logFailure(accountID, operation, amount, err)
		return nil, err
	}

	return &DebitResult{Deducted: true, BalanceBefore: bal.Balance, BalanceAfter: newBalance}, nil
}

// Credit applies a top-up in its own transaction. See CreditTx.
func (s *LedgerService) Credit(ctx context.Context, accountID string, amount float64, operation string, metadata models.Metadata, idempotencyKey string) (*CreditResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result, err := s.CreditTx(ctx, tx, accountID, amount, operation, metadata, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		s.logFailure(accountID, operation, amount, err)
		return nil, err
	}
	return result, nil
}

// CreditTx applies a top-up inside the caller's transaction so the caller
// can commit it together with its own state change. The idempotency key
// (the external order id) makes redelivered notifications no-ops: a log
// entry already tagged with the key short-circuits to the prior result.
func (s *LedgerService) CreditTx(ctx context.Context, tx *sql.Tx, accountID string, amount float64, operation string, metadata models.Metadata, idempotencyKey string) (*CreditResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if idempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}

	bal, err := s.lockBalance(ctx, tx, accountID)
	if err != nil {
		s.logFailure(accountID, operation, amount, err)
		return nil, err
	}

	// Replay check happens under the row lock, so a concurrent duplicate
	// is either seen here or blocked until our insert commits.
	var priorAmount, priorAfter float64
	err = tx.QueryRowContext(ctx, `
		SELECT amount, balance_after FROM transactions
		WHERE account_id = $1 AND idempotency_key = $2`,
		accountID, idempotencyKey).Scan(&priorAmount, &priorAfter)
	switch {
	case err == nil:
		return &CreditResult{
			BalanceBefore: round2(priorAfter - priorAmount),
			BalanceAfter:  priorAfter,
			Replayed:      true,
		}, nil
	case !errors.Is(err, sql.ErrNoRows):
		s.logFailure(accountID, operation, amount, err)
		return nil, err
	}

	newBalance := round2(bal.Balance + amount)
	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE balances SET balance = $1, updated_at = $2 WHERE account_id = $3`,
		newBalance, now, accountID); err != nil {
		s.logFailure(accountID, operation, amount, err)
		return nil, err
	}

	if err := s.appendEntry(ctx, tx, accountID, amount, models.KindCredit, operation, metadata, &idempotencyKey, newBalance, now); err != nil {
		s.logFailure(accountID, operation, amount, err)
		return nil, err
	}

	return &CreditResult{BalanceBefore: bal.Balance, BalanceAfter: newBalance}, nil
}

// ClawBackTx reverses a previously credited amount inside the caller's
// transaction. Unlike Debit it ignores the soft limit and instead clamps at
// zero: a refund alone never drives a balance negative. An already
// non-positive balance is left untouched.
func (s *LedgerService) ClawBackTx(ctx context.Context, tx *sql.Tx, accountID string, amount float64, operation string, metadata models.Metadata) (*RefundOutcome, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	bal, err := s.lockBalance(ctx, tx, accountID)
	if err != nil {
		s.logFailure(accountID, operation, amount, err)
		return nil, err
	}

	newBalance := bal.Balance
	if bal.Balance > 0 {
		newBalance = math.Max(round2(bal.Balance-amount), 0)
	}
	clawedBack := round2(bal.Balance - newBalance)

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE balances SET balance = $1, updated_at = $2 WHERE account_id = $3`,
		newBalance, now, accountID); err != nil {
		s.logFailure(accountID, operation, amount, err)
		return nil, err
	}

	if err := s.appendEntry(ctx, tx, accountID, clawedBack, models.KindRefund, operation, metadata, nil, newBalance, now); err != nil {
		s.logFailure(accountID, operation, amount, err)
		return nil, err
	}

	return &RefundOutcome{BalanceBefore: bal.Balance, BalanceAfter: newBalance, ClawedBack: clawedBack}, nil
}

// GetBalance reads the account balance without taking the exclusive lock,
// lazily materializing the row if absent. Creation is a conditional insert
// that no-ops when a concurrent debit created the row first.
func (s *LedgerService) GetBalance(ctx context.Context, accountID string) (*models.Balance, error) {
	bal, err := s.scanBalance(ctx, accountID)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (account_id, balance, total_spent, updated_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (account_id) DO NOTHING`,
		accountID, s.signupBonus, time.Now()); err != nil {
		return nil, err
	}
	return s.scanBalance(ctx, accountID)
}

// VerifyHistory replays the transaction log for an account and checks the
// balance_after chain: each entry must follow from the previous one by its
// signed amount, and the final entry must match the stored balance. Used by
// the admin audit endpoint.
func (s *LedgerService) VerifyHistory(ctx context.Context, accountID string) (bool, int, error) {
	bal, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return false, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT amount, kind, balance_after FROM transactions
		WHERE account_id = $1 ORDER BY id`,
		accountID)
	if err != nil {
		return false, 0, err
	}
	defer rows.Close()

	var (
		count    int
		previous float64
		havePrev bool
		last     float64
	)
	for rows.Next() {
		var amount, after float64
		var kind string
		if err := rows.Scan(&amount, &kind, &after); err != nil {
			return false, count, err
		}
		count++

		signed := amount
		if kind != models.KindCredit {
			signed = -amount
		}
		if havePrev && round2(previous+signed) != after {
			return false, count, nil
		}
		previous, havePrev, last = after, true, after
	}
	if err := rows.Err(); err != nil {
		return false, count, err
	}

	if count > 0 && last != bal.Balance {
		return false, count, nil
	}
	return true, count, nil
}

// lockBalance acquires the exclusive row lock, creating the row (seeded
// with the promotional balance) inside the same transaction when absent.
func (s *LedgerService) lockBalance(ctx context.Context, tx *sql.Tx, accountID string) (*models.Balance, error) {
	sel := `
		SELECT account_id, balance, total_spent, updated_at
		FROM balances WHERE account_id = $1 FOR UPDATE`

	var bal models.Balance
	err := tx.QueryRowContext(ctx, sel, accountID).
		Scan(&bal.AccountID, &bal.Balance, &bal.TotalSpent, &bal.UpdatedAt)
	if err == nil {
		return &bal, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO balances (account_id, balance, total_spent, updated_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (account_id) DO NOTHING`,
		accountID, s.signupBonus, time.Now()); err != nil {
		return nil, err
	}

	err = tx.QueryRowContext(ctx, sel, accountID).
		Scan(&bal.AccountID, &bal.Balance, &bal.TotalSpent, &bal.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &bal, nil
}

func (s *LedgerService) appendEntry(ctx context.Context, tx *sql.Tx, accountID string, amount float64, kind, operation string, metadata models.Metadata, idempotencyKey *string, balanceAfter float64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (account_id, amount, kind, operation, metadata, idempotency_key, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		accountID, amount, kind, operation, metadata, idempotencyKey, balanceAfter, now)
	return err
}

func (s *LedgerService) scanBalance(ctx context.Context, accountID string) (*models.Balance, error) {
	var bal models.Balance
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, balance, total_spent, updated_at
		FROM balances WHERE account_id = $1`,
		accountID).Scan(&bal.AccountID, &bal.Balance, &bal.TotalSpent, &bal.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &bal, nil
}

func (s *LedgerService) logFailure(accountID, operation string, amount float64, err error) {
	log.WithFields(log.Fields{
		"account_id": accountID,
		"operation":  operation,
		"amount":     amount,
	}).WithError(err).Error("ledger mutation failed")
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
