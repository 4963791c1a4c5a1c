package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Balance is the durable per-account credit balance row.
type Balance struct {
	AccountID  string    `json:"account_id" db:"account_id"`
	Balance    float64   `json:"balance" db:"balance"`
	TotalSpent float64   `json:"total_spent" db:"total_spent"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Transaction kinds. Amount is always stored as a positive magnitude;
// the kind carries the sign.
const (
	KindDebit  = "debit"
	KindCredit = "credit"
	KindRefund = "refund"
)

// TransactionEntry is one immutable row of the append-only ledger.
type TransactionEntry struct {
	ID             int64     `json:"id" db:"id"`
	AccountID      string    `json:"account_id" db:"account_id"`
	Amount         float64   `json:"amount" db:"amount"`
	Kind           string    `json:"kind" db:"kind"`
	Operation      string    `json:"operation" db:"operation"`
	Metadata       Metadata  `json:"metadata" db:"metadata"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty" db:"idempotency_key"`
	BalanceAfter   float64   `json:"balance_after" db:"balance_after"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Metadata type for JSONB fields
type Metadata map[string]any

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, m)
}
