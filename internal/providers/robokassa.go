package providers

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const robokassaEndpoint = "https://auth.robokassa.ru/Merchant/Index.aspx"

// Robokassa implements the Robokassa merchant protocol. Payment URLs are
// signed with password1, result notifications are verified with password2.
// Custom parameters travel with a shp_ prefix and participate in both
// signatures sorted by parameter name.
type Robokassa struct {
	login     string
	password1 string
	password2 string
	testMode  bool
}

func NewRobokassa(login, password1, password2 string, testMode bool) *Robokassa {
	return &Robokassa{
		login:     login,
		password1: password1,
		password2: password2,
		testMode:  testMode,
	}
}

func (r *Robokassa) Name() string { return "robokassa" }

func (r *Robokassa) PaymentURL(p PaymentParams) (string, error) {
	if p.OrderID == "" {
		return "", fmt.Errorf("robokassa: order id is required")
	}
	outSum := strconv.FormatFloat(p.Amount, 'f', 2, 64)

	parts := []string{r.login, outSum, p.OrderID, r.password1}
	parts = append(parts, shpPairs(p.Custom)...)
	signature := md5Hex(strings.Join(parts, ":"))

	q := url.Values{}
	q.Set("MerchantLogin", r.login)
	q.Set("OutSum", outSum)
	q.Set("InvId", p.OrderID)
	q.Set("Description", p.Description)
	q.Set("SignatureValue", signature)
	if p.Email != "" {
		q.Set("Email", p.Email)
	}
	if p.Recurring {
		q.Set("Recurring", "true")
	}
	for k, v := range p.Custom {
		q.Set("shp_"+k, v)
	}
	if r.testMode {
		q.Set("IsTest", "1")
	}

	return robokassaEndpoint + "?" + q.Encode(), nil
}

// ValidateNotification recomputes the result signature from the raw
// untrusted parameters. OutSum is used exactly as received; reformatting
// it before hashing would break verification for gateways that send
// trailing zeros differently.
func (r *Robokassa) ValidateNotification(form url.Values) (*Notification, error) {
	outSum := form.Get("OutSum")
	invID := form.Get("InvId")
	signature := form.Get("SignatureValue")
	if outSum == "" || invID == "" || signature == "" {
		return nil, ErrInvalidSignature
	}

	parts := []string{outSum, invID, r.password2}
	parts = append(parts, shpPairsFromForm(form)...)
	expected := md5Hex(strings.Join(parts, ":"))

	if !signaturesEqual(signature, expected) {
		return nil, ErrInvalidSignature
	}

	amount, err := strconv.ParseFloat(outSum, 64)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	return &Notification{
		OrderID:   invID,
		Amount:    amount,
		Signature: signature,
	}, nil
}

// SuccessResponse returns the acknowledgment Robokassa expects from the
// result URL. Anything else makes the gateway redeliver.
func (r *Robokassa) SuccessResponse(orderID string) string {
	return "OK" + orderID
}

// shpPairs renders custom parameters as "shp_key=value" sorted by key.
func shpPairs(custom map[string]string) []string {
	if len(custom) == 0 {
		return nil
	}
	pairs := make([]string, 0, len(custom))
	for k, v := range custom {
		pairs = append(pairs, "shp_"+k+"="+v)
	}
	sort.Strings(pairs)
	return pairs
}

// shpPairsFromForm extracts echoed shp_ parameters from a notification,
// preserving the raw values as received.
func shpPairsFromForm(form url.Values) []string {
	var pairs []string
	for k := range form {
		if strings.HasPrefix(strings.ToLower(k), "shp_") {
			pairs = append(pairs, k+"="+form.Get(k))
		}
	}
	sort.Strings(pairs)
	return pairs
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
