package providers

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// ErrInvalidSignature is returned when a notification's signature does not
// match the value recomputed from the raw parameters and the shared secret.
var ErrInvalidSignature = errors.New("invalid notification signature")

// PaymentParams describes the order a payment URL is generated for.
type PaymentParams struct {
	OrderID     string
	Amount      float64
	Description string
	Email       string
	Recurring   bool
	Custom      map[string]string
}

// Notification is the validated content of a gateway callback. Fields are
// trusted only after signature verification succeeds.
type Notification struct {
	OrderID       string
	Amount        float64
	Signature     string
	TransactionID string // gateway-side id, when the gateway reports one
}

// RefundOutcome reports a gateway-side refund attempt.
type RefundOutcome struct {
	Success  bool
	RefundID string
	Error    string
}

// PaymentProvider normalizes a payment gateway behind one contract. A forged
// or tampered notification must always fail ValidateNotification; callers
// never read status or amount fields before it succeeds.
type PaymentProvider interface {
	Name() string
	PaymentURL(p PaymentParams) (string, error)
	ValidateNotification(form url.Values) (*Notification, error)
	SuccessResponse(orderID string) string
}

// Refunder is the optional gateway-side refund capability. Providers without
// a refund API simply do not implement it.
type Refunder interface {
	Refund(ctx context.Context, transactionID string, amount float64) (*RefundOutcome, error)
}

// FromConfig returns the active provider selected by payment.provider.
// One provider is active at a time; adding a gateway means adding a case
// here and nothing else.
func FromConfig() (PaymentProvider, error) {
	name := viper.GetString("payment.provider")
	switch name {
	case "robokassa":
		return NewRobokassa(
			viper.GetString("payment.robokassa.login"),
			viper.GetString("payment.robokassa.password1"),
			viper.GetString("payment.robokassa.password2"),
			viper.GetBool("payment.robokassa.test_mode"),
		), nil
	case "freekassa":
		return NewFreekassa(
			viper.GetString("payment.freekassa.merchant_id"),
			viper.GetString("payment.freekassa.secret1"),
			viper.GetString("payment.freekassa.secret2"),
		), nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", name)
	}
}

// signaturesEqual compares hex digests case-insensitively in constant time.
func signaturesEqual(got, want string) bool {
	return hmac.Equal(
		[]byte(strings.ToLower(got)),
		[]byte(strings.ToLower(want)),
	)
}
