package models

import "time"

// Payment status machine: pending -> confirmed -> refunded. Transitions
// only ever move forward; a refund requires a prior confirmation.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusConfirmed = "confirmed"
	PaymentStatusRefunded  = "refunded"
)

// Payment records an external top-up order. The row id doubles as the
// order id sent to the gateway and is the idempotency key for the
// reconciliation credit.
type Payment struct {
	ID            int64     `json:"id" db:"id"`
	Email         string    `json:"email" db:"email"`
	Amount        float64   `json:"amount" db:"amount"` // currency units charged by the gateway
	Units         float64   `json:"units" db:"units"`   // credit units purchased
	Status        string    `json:"status" db:"status"`
	TransactionID string    `json:"transaction_id" db:"transaction_id"` // gateway-side id, set on confirmation
	PackageID     string    `json:"package_id" db:"package_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// PaymentConsent is the append-only record of a payer's agreement to
// recurring billing, kept for compliance. Never updated or deleted.
type PaymentConsent struct {
	ID          int64     `json:"id" db:"id"`
	Email       string    `json:"email" db:"email"`
	PackageID   string    `json:"package_id" db:"package_id"`
	ConsentType string    `json:"consent_type" db:"consent_type"`
	IPAddress   string    `json:"ip_address" db:"ip_address"`
	UserAgent   string    `json:"user_agent" db:"user_agent"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// CreditPackage is a purchasable top-up bundle.
type CreditPackage struct {
	ID          string  `json:"id" mapstructure:"id"`
	Units       float64 `json:"units" mapstructure:"units"`
	Price       float64 `json:"price" mapstructure:"price"`
	Description string  `json:"description" mapstructure:"description"`
}
