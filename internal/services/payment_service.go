package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/clearlabs/credits-backend/internal/config"
	"github.com/clearlabs/credits-backend/internal/models"
	"github.com/clearlabs/credits-backend/internal/providers"
)

// PaymentService owns payment records and converts validated gateway
// notifications into ledger credits exactly once per order id.
type PaymentService struct {
	db         *sql.DB
	ledger     *LedgerService
	provider   providers.PaymentProvider
	allowedIPs map[string]struct{}
	packages   map[string]models.CreditPackage
}

func NewPaymentService(db *sql.DB, ledger *LedgerService, provider providers.PaymentProvider) *PaymentService {
	allowed := make(map[string]struct{})
	for _, ip := range config.SplitList(viper.GetString("webhook.allowed_ips")) {
		allowed[ip] = struct{}{}
	}
	packages := make(map[string]models.CreditPackage)
	for _, pkg := range config.CreditPackages() {
		packages[pkg.ID] = pkg
	}
	return &PaymentService{
		db:         db,
		ledger:     ledger,
		provider:   provider,
		allowedIPs: allowed,
		packages:   packages,
	}
}

// OrderResult is returned to the client that initiates a top-up.
type OrderResult struct {
	OrderID    int64   `json:"orderId"`
	PaymentURL string  `json:"paymentUrl"`
	Amount     float64 `json:"amount"`
	Units      float64 `json:"units"`
}

// CreateOrder records a pending payment and returns the gateway URL the
// payer is redirected to. For recurring billing a consent record is written
// in the same transaction; consents are append-only and never mutated.
func (s *PaymentService) CreateOrder(ctx context.Context, email, packageID string, recurring bool, ipAddress, userAgent string) (*OrderResult, error) {
	pkg, ok := s.packages[packageID]
	if !ok {
		return nil, ErrUnknownPackage
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now()
	var orderID int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO payments (email, amount, units, status, package_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id`,
		email, pkg.Price, pkg.Units, models.PaymentStatusPending, pkg.ID, now).Scan(&orderID); err != nil {
		return nil, err
	}

	if recurring {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payment_consents (email, package_id, consent_type, ip_address, user_agent, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			email, pkg.ID, "recurring", ipAddress, userAgent, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	paymentURL, err := s.provider.PaymentURL(providers.PaymentParams{
		OrderID:     strconv.FormatInt(orderID, 10),
		Amount:      pkg.Price,
		Description: pkg.Description,
		Email:       email,
		Recurring:   recurring,
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"order_id": orderID,
		"email":    email,
		"package":  pkg.ID,
		"provider": s.provider.Name(),
	}).Info("payment order created")

	return &OrderResult{OrderID: orderID, PaymentURL: paymentURL, Amount: pkg.Price, Units: pkg.Units}, nil
}

// ProcessNotification drives a raw gateway callback through the
// reconciliation protocol: allow-list, signature validation, order lookup,
// idempotent replay, then confirm-and-credit in one transaction. The
// returned acknowledgment is what the gateway expects on success.
func (s *PaymentService) ProcessNotification(ctx context.Context, remoteIP string, form url.Values) (string, error) {
	if len(s.allowedIPs) > 0 {
		if _, ok := s.allowedIPs[remoteIP]; !ok {
			log.WithField("remote_ip", remoteIP).Warn("notification from unlisted source rejected")
			return "", ErrSourceNotAllowed
		}
	}

	n, err := s.provider.ValidateNotification(form)
	if err != nil {
		log.WithField("provider", s.provider.Name()).WithError(err).Warn("notification failed signature validation")
		return "", err
	}

	orderID, err := strconv.ParseInt(n.OrderID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: order id %q", ErrUnknownOrder, n.OrderID)
	}

	payment, err := s.getPayment(ctx, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		log.WithField("order_id", orderID).Warn("notification for unknown order discarded")
		return "", ErrUnknownOrder
	}
	if err != nil {
		return "", err
	}

	// A signed notification still cannot be trusted on amount: it must
	// match the recorded order.
	if round2(n.Amount) != round2(payment.Amount) {
		log.WithFields(log.Fields{
			"order_id": orderID,
			"got":      n.Amount,
			"want":     payment.Amount,
		}).Warn("notification amount mismatch")
		return "", ErrAmountMismatch
	}

	// Gateways redeliver; a confirmed order is acknowledged without
	// touching anything.
	if payment.Status != models.PaymentStatusPending {
		return s.provider.SuccessResponse(n.OrderID), nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE payments SET status = $1, transaction_id = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		models.PaymentStatusConfirmed, n.TransactionID, time.Now(), orderID, models.PaymentStatusPending)
	if err != nil {
		return "", err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 0 {
		// Lost the race to a concurrent delivery; the winner credited.
		return s.provider.SuccessResponse(n.OrderID), nil
	}

	if _, err := s.ledger.CreditTx(ctx, tx, payment.Email, payment.Units,
		"payment via "+s.provider.Name(),
		models.Metadata{
			"order_id":   orderID,
			"package_id": payment.PackageID,
			"amount":     payment.Amount,
			"provider":   s.provider.Name(),
		},
		n.OrderID); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}

	log.WithFields(log.Fields{
		"order_id": orderID,
		"email":    payment.Email,
		"units":    payment.Units,
	}).Info("payment confirmed and credited")

	return s.provider.SuccessResponse(n.OrderID), nil
}

// RefundResult reports a completed admin refund.
type RefundResult struct {
	PaymentID      int64   `json:"paymentId"`
	Email          string  `json:"email"`
	Units          float64 `json:"units"`
	ClawedBack     float64 `json:"clawedBack"`
	ProviderRefund string  `json:"providerRefund"`
}

// Refund reverses a confirmed payment: the record transitions to refunded
// and the purchased units are clawed back, clamped at zero. A gateway-side
// refund is attempted only if the provider supports one; its outcome is
// recorded but never blocks the transition, so settlement may still need to
// happen out of band.
func (s *PaymentService) Refund(ctx context.Context, paymentID int64, approver string) (*RefundResult, error) {
	payment, err := s.getPayment(ctx, paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}

	switch payment.Status {
	case models.PaymentStatusRefunded:
		return nil, ErrAlreadyRefunded
	case models.PaymentStatusPending:
		return nil, ErrPaymentNotConfirmed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE payments SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		models.PaymentStatusRefunded, time.Now(), paymentID, models.PaymentStatusConfirmed)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrAlreadyRefunded
	}

	outcome, err := s.ledger.ClawBackTx(ctx, tx, payment.Email, payment.Units,
		fmt.Sprintf("refund of order %d", paymentID),
		models.Metadata{
			"order_id": paymentID,
			"approver": approver,
		})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	result := &RefundResult{
		PaymentID:      paymentID,
		Email:          payment.Email,
		Units:          payment.Units,
		ClawedBack:     outcome.ClawedBack,
		ProviderRefund: "manual",
	}

	if refunder, ok := s.provider.(providers.Refunder); ok && payment.TransactionID != "" {
		ro, err := refunder.Refund(ctx, payment.TransactionID, payment.Amount)
		switch {
		case err != nil:
			log.WithField("payment_id", paymentID).WithError(err).Error("provider refund failed")
			result.ProviderRefund = "failed"
		case ro.Success:
			result.ProviderRefund = ro.RefundID
		default:
			result.ProviderRefund = "failed"
		}
	}

	log.WithFields(log.Fields{
		"payment_id":  paymentID,
		"email":       payment.Email,
		"clawed_back": outcome.ClawedBack,
		"approver":    approver,
	}).Info("payment refunded")

	return result, nil
}

func (s *PaymentService) getPayment(ctx context.Context, id int64) (*models.Payment, error) {
	var p models.Payment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, amount, units, status, transaction_id, package_id, created_at, updated_at
		FROM payments WHERE id = $1`,
		id).Scan(&p.ID, &p.Email, &p.Amount, &p.Units, &p.Status, &p.TransactionID, &p.PackageID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Packages lists the purchasable credit packages.
func (s *PaymentService) Packages() []models.CreditPackage {
	return config.CreditPackages()
}
