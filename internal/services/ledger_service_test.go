package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearlabs/credits-backend/internal/models"
)

const lockQuery = `SELECT account_id, balance, total_spent, updated_at FROM balances WHERE account_id = \$1 FOR UPDATE`

func newTestLedger(db *sql.DB) *LedgerService {
	viper.Set("ledger.soft_limit", -5.00)
	viper.Set("ledger.signup_bonus", 0.00)
	viper.Set("ledger.unmetered_accounts", "")
	return NewLedgerService(db)
}

func balanceRows(accountID string, balance, totalSpent float64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"account_id", "balance", "total_spent", "updated_at"}).
		AddRow(accountID, balance, totalSpent, time.Now())
}

func TestLedgerService_Debit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := newTestLedger(db)
	ctx := context.Background()

	t.Run("successful debit", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockQuery).
			WithArgs("user@example.com").
			WillReturnRows(balanceRows("user@example.com", 50.00, 100.00))
		mock.ExpectExec(`UPDATE balances SET balance = \$1, total_spent = total_spent \+ \$2`).
			WithArgs(30.00, 20.00, sqlmock.AnyArg(), "user@example.com").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs("user@example.com", 20.00, models.KindDebit, "dicom analysis", sqlmock.AnyArg(), nil, 30.00, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		result, err := service.Debit(ctx, "user@example.com", 20.00, "dicom analysis", nil)
		require.NoError(t, err)
		assert.True(t, result.Deducted)
		assert.Equal(t, 50.00, result.BalanceBefore)
		assert.Equal(t, 30.00, result.BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds below soft limit", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockQuery).
			WithArgs("user@example.com").
			WillReturnRows(balanceRows("user@example.com", 10.00, 140.00))
		mock.ExpectRollback()

		result, err := service.Debit(ctx, "user@example.com", 20.00, "dicom analysis", nil)
		assert.Nil(t, result)

		var insufficient *InsufficientFundsError
		require.ErrorAs(t, err, &insufficient)
		assert.Equal(t, 10.00, insufficient.Balance)
		assert.Equal(t, 20.00, insufficient.Required)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("overdraft within soft limit is allowed", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockQuery).
			WithArgs("user@example.com").
			WillReturnRows(balanceRows("user@example.com", 1.50, 148.50))
		mock.ExpectExec(`UPDATE balances SET balance = \$1, total_spent = total_spent \+ \$2`).
			WithArgs(-2.50, 4.00, sqlmock.AnyArg(), "user@example.com").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs("user@example.com", 4.00, models.KindDebit, "report", sqlmock.AnyArg(), nil, -2.50, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		result, err := service.Debit(ctx, "user@example.com", 4.00, "report", nil)
		require.NoError(t, err)
		assert.Equal(t, -2.50, result.BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		_, err := service.Debit(ctx, "user@example.com", 0, "noop", nil)
		assert.ErrorIs(t, err, ErrInvalidAmount)

		_, err = service.Debit(ctx, "user@example.com", -3, "noop", nil)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("creates row lazily inside the same transaction", func(t *testing.T) {
		viper.Set("ledger.signup_bonus", 10.00)
		seeded := NewLedgerService(db)
		defer viper.Set("ledger.signup_bonus", 0.00)

		mock.ExpectBegin()
		mock.ExpectQuery(lockQuery).
			WithArgs("new@example.com").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("INSERT INTO balances").
			WithArgs("new@example.com", 10.00, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(lockQuery).
			WithArgs("new@example.com").
			WillReturnRows(balanceRows("new@example.com", 10.00, 0))
		mock.ExpectExec(`UPDATE balances SET balance = \$1, total_spent = total_spent \+ \$2`).
			WithArgs(6.00, 4.00, sqlmock.AnyArg(), "new@example.com").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs("new@example.com", 4.00, models.KindDebit, "scan", sqlmock.AnyArg(), nil, 6.00, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		result, err := seeded.Debit(ctx, "new@example.com", 4.00, "scan", nil)
		require.NoError(t, err)
		assert.Equal(t, 10.00, result.BalanceBefore)
		assert.Equal(t, 6.00, result.BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unmetered account bypasses the ledger", func(t *testing.T) {
		viper.Set("ledger.unmetered_accounts", "vip@example.com")
		vip := NewLedgerService(db)
		defer viper.Set("ledger.unmetered_accounts", "")

		mock.ExpectQuery(`SELECT account_id, balance, total_spent, updated_at FROM balances WHERE account_id = \$1`).
			WithArgs("vip@example.com").
			WillReturnRows(balanceRows("vip@example.com", 3.00, 900.00))

		result, err := vip.Debit(ctx, "vip@example.com", 50.00, "scan", nil)
		require.NoError(t, err)
		assert.True(t, result.Deducted)
		assert.True(t, result.Unmetered)
		assert.Equal(t, result.BalanceBefore, result.BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("storage failure rolls back without a log entry", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockQuery).
			WithArgs("user@example.com").
			WillReturnRows(balanceRows("user@example.com", 50.00, 100.00))
		mock.ExpectExec(`UPDATE balances SET balance = \$1, total_spent = total_spent \+ \$2`).
			WillReturnError(sql.ErrConnDone)
		mock.ExpectRollback()

		_, err := service.Debit(ctx, "user@example.com", 20.00, "scan", nil)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// Three debits of 20.00 against a balance of 50.00: the row lock serializes
// them, the first two succeed (30.00 then 10.00) and the third lands below
// the -5.00 soft limit.
func TestLedgerService_Debit_NoDoubleSpend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := newTestLedger(db)
	ctx := context.Background()

	balances := []float64{50.00, 30.00}
	for _, before := range balances {
		mock.ExpectBegin()
		mock.ExpectQuery(lockQuery).
			WithArgs("user@example.com").
			WillReturnRows(balanceRows("user@example.com", before, 0))
		mock.ExpectExec(`UPDATE balances SET balance = \$1, total_spent = total_spent \+ \$2`).
			WithArgs(before-20.00, 20.00, sqlmock.AnyArg(), "user@example.com").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()
	}
	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).
		WithArgs("user@example.com").
		WillReturnRows(balanceRows("user@example.com", 10.00, 0))
	mock.ExpectRollback()

	for range balances {
		result, err := service.Debit(ctx, "user@example.com", 20.00, "scan", nil)
		require.NoError(t, err)
		assert.True(t, result.Deducted)
	}

	_, err = service.Debit(ctx, "user@example.com", 20.00, "scan", nil)
	var insufficient *InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 10.00, insufficient.Balance)
	assert.Equal(t, 20.00, insufficient.Required)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerService_Credit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := newTestLedger(db)
	ctx := context.Background()

	t.Run("applies credit with idempotency key", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockQuery).
			WithArgs("user@example.com").
			WillReturnRows(balanceRows("user@example.com", 10.00, 90.00))
		mock.ExpectQuery(`SELECT amount, balance_after FROM transactions WHERE account_id = \$1 AND idempotency_key = \$2`).
			WithArgs("user@example.com", "1001").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec(`UPDATE balances SET balance = \$1, updated_at = \$2`).
			WithArgs(60.00, sqlmock.AnyArg(), "user@example.com").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs("user@example.com", 50.00, models.KindCredit, "payment via robokassa", sqlmock.AnyArg(), "1001", 60.00, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		result, err := service.Credit(ctx, "user@example.com", 50.00, "payment via robokassa", nil, "1001")
		require.NoError(t, err)
		assert.False(t, result.Replayed)
		assert.Equal(t, 10.00, result.BalanceBefore)
		assert.Equal(t, 60.00, result.BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replays prior result without mutating", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockQuery).
			WithArgs("user@example.com").
			WillReturnRows(balanceRows("user@example.com", 60.00, 90.00))
		mock.ExpectQuery(`SELECT amount, balance_after FROM transactions WHERE account_id = \$1 AND idempotency_key = \$2`).
			WithArgs("user@example.com", "1001").
			WillReturnRows(sqlmock.NewRows([]string{"amount", "balance_after"}).AddRow(50.00, 60.00))
		mock.ExpectCommit()

		result, err := service.Credit(ctx, "user@example.com", 50.00, "payment via robokassa", nil, "1001")
		require.NoError(t, err)
		assert.True(t, result.Replayed)
		assert.Equal(t, 10.00, result.BalanceBefore)
		assert.Equal(t, 60.00, result.BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("requires an idempotency key", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectRollback()

		_, err := service.Credit(ctx, "user@example.com", 50.00, "payment", nil, "")
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_ClawBackTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := newTestLedger(db)
	ctx := context.Background()

	t.Run("clamps at zero when units exceed balance", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockQuery).
			WithArgs("user@example.com").
			WillReturnRows(balanceRows("user@example.com", 30.00, 100.00))
		mock.ExpectExec(`UPDATE balances SET balance = \$1, updated_at = \$2`).
			WithArgs(0.00, sqlmock.AnyArg(), "user@example.com").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs("user@example.com", 30.00, models.KindRefund, "refund of order 7", sqlmock.AnyArg(), nil, 0.00, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		tx, err := db.Begin()
		require.NoError(t, err)

		outcome, err := service.ClawBackTx(ctx, tx, "user@example.com", 50.00, "refund of order 7", nil)
		require.NoError(t, err)
		assert.Equal(t, 30.00, outcome.BalanceBefore)
		assert.Equal(t, 0.00, outcome.BalanceAfter)
		assert.Equal(t, 30.00, outcome.ClawedBack)

		require.NoError(t, tx.Commit())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("leaves a negative balance untouched", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockQuery).
			WithArgs("user@example.com").
			WillReturnRows(balanceRows("user@example.com", -2.00, 100.00))
		mock.ExpectExec(`UPDATE balances SET balance = \$1, updated_at = \$2`).
			WithArgs(-2.00, sqlmock.AnyArg(), "user@example.com").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs("user@example.com", 0.00, models.KindRefund, "refund of order 8", sqlmock.AnyArg(), nil, -2.00, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		tx, err := db.Begin()
		require.NoError(t, err)
		defer tx.Rollback()

		outcome, err := service.ClawBackTx(ctx, tx, "user@example.com", 50.00, "refund of order 8", nil)
		require.NoError(t, err)
		assert.Equal(t, -2.00, outcome.BalanceAfter)
		assert.Equal(t, 0.00, outcome.ClawedBack)
	})
}

func TestLedgerService_GetBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := newTestLedger(db)
	ctx := context.Background()

	t.Run("existing account", func(t *testing.T) {
		mock.ExpectQuery(`SELECT account_id, balance, total_spent, updated_at FROM balances WHERE account_id = \$1`).
			WithArgs("user@example.com").
			WillReturnRows(balanceRows("user@example.com", 42.50, 57.50))

		bal, err := service.GetBalance(ctx, "user@example.com")
		require.NoError(t, err)
		assert.Equal(t, 42.50, bal.Balance)
		assert.Equal(t, 57.50, bal.TotalSpent)
	})

	t.Run("materializes missing row with conditional insert", func(t *testing.T) {
		mock.ExpectQuery(`SELECT account_id, balance, total_spent, updated_at FROM balances WHERE account_id = \$1`).
			WithArgs("new@example.com").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("INSERT INTO balances").
			WithArgs("new@example.com", 0.00, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT account_id, balance, total_spent, updated_at FROM balances WHERE account_id = \$1`).
			WithArgs("new@example.com").
			WillReturnRows(balanceRows("new@example.com", 0.00, 0.00))

		bal, err := service.GetBalance(ctx, "new@example.com")
		require.NoError(t, err)
		assert.Equal(t, 0.00, bal.Balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_VerifyHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := newTestLedger(db)
	ctx := context.Background()

	historyQuery := `SELECT amount, kind, balance_after FROM transactions WHERE account_id = \$1 ORDER BY id`

	t.Run("consistent history", func(t *testing.T) {
		mock.ExpectQuery(`SELECT account_id, balance, total_spent, updated_at FROM balances`).
			WithArgs("user@example.com").
			WillReturnRows(balanceRows("user@example.com", 40.00, 60.00))
		mock.ExpectQuery(historyQuery).
			WithArgs("user@example.com").
			WillReturnRows(sqlmock.NewRows([]string{"amount", "kind", "balance_after"}).
				AddRow(50.00, models.KindCredit, 60.00).
				AddRow(20.00, models.KindDebit, 40.00).
				AddRow(0.00, models.KindRefund, 40.00))

		consistent, entries, err := service.VerifyHistory(ctx, "user@example.com")
		require.NoError(t, err)
		assert.True(t, consistent)
		assert.Equal(t, 3, entries)
	})

	t.Run("broken chain is reported", func(t *testing.T) {
		mock.ExpectQuery(`SELECT account_id, balance, total_spent, updated_at FROM balances`).
			WithArgs("user@example.com").
			WillReturnRows(balanceRows("user@example.com", 40.00, 60.00))
		mock.ExpectQuery(historyQuery).
			WithArgs("user@example.com").
			WillReturnRows(sqlmock.NewRows([]string{"amount", "kind", "balance_after"}).
				AddRow(50.00, models.KindCredit, 60.00).
				AddRow(20.00, models.KindDebit, 35.00))

		consistent, _, err := service.VerifyHistory(ctx, "user@example.com")
		require.NoError(t, err)
		assert.False(t, consistent)
	})

	t.Run("final entry must match stored balance", func(t *testing.T) {
		mock.ExpectQuery(`SELECT account_id, balance, total_spent, updated_at FROM balances`).
			WithArgs("user@example.com").
			WillReturnRows(balanceRows("user@example.com", 41.00, 60.00))
		mock.ExpectQuery(historyQuery).
			WithArgs("user@example.com").
			WillReturnRows(sqlmock.NewRows([]string{"amount", "kind", "balance_after"}).
				AddRow(50.00, models.KindCredit, 60.00).
				AddRow(20.00, models.KindDebit, 40.00))

		consistent, _, err := service.VerifyHistory(ctx, "user@example.com")
		require.NoError(t, err)
		assert.False(t, consistent)
	})
}
