package providers

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const freekassaEndpoint = "https://pay.freekassa.ru/"

// Freekassa implements the Free-Kassa merchant protocol. The payment form
// signature uses secret1, the notification signature uses secret2; both are
// md5 over a colon-joined canonical string.
type Freekassa struct {
	merchantID string
	secret1    string
	secret2    string
}

func NewFreekassa(merchantID, secret1, secret2 string) *Freekassa {
	return &Freekassa{merchantID: merchantID, secret1: secret1, secret2: secret2}
}

func (f *Freekassa) Name() string { return "freekassa" }

func (f *Freekassa) PaymentURL(p PaymentParams) (string, error) {
	if p.OrderID == "" {
		return "", fmt.Errorf("freekassa: order id is required")
	}
	amount := strconv.FormatFloat(p.Amount, 'f', 2, 64)
	signature := md5Hex(strings.Join([]string{f.merchantID, amount, f.secret1, p.OrderID}, ":"))

	q := url.Values{}
	q.Set("m", f.merchantID)
	q.Set("oa", amount)
	q.Set("o", p.OrderID)
	q.Set("s", signature)
	if p.Email != "" {
		q.Set("em", p.Email)
	}
	for k, v := range p.Custom {
		q.Set("us_"+k, v)
	}

	return freekassaEndpoint + "?" + q.Encode(), nil
}

func (f *Freekassa) ValidateNotification(form url.Values) (*Notification, error) {
	merchantID := form.Get("MERCHANT_ID")
	amount := form.Get("AMOUNT")
	orderID := form.Get("MERCHANT_ORDER_ID")
	signature := form.Get("SIGN")
	if merchantID == "" || amount == "" || orderID == "" || signature == "" {
		return nil, ErrInvalidSignature
	}
	if merchantID != f.merchantID {
		return nil, ErrInvalidSignature
	}

	expected := md5Hex(strings.Join([]string{merchantID, amount, f.secret2, orderID}, ":"))
	if !signaturesEqual(signature, expected) {
		return nil, ErrInvalidSignature
	}

	parsed, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	return &Notification{
		OrderID:       orderID,
		Amount:        parsed,
		Signature:     signature,
		TransactionID: form.Get("intid"),
	}, nil
}

// SuccessResponse returns the acknowledgment Free-Kassa expects.
func (f *Freekassa) SuccessResponse(string) string {
	return "YES"
}
