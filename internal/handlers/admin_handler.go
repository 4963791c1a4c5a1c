package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/clearlabs/credits-backend/internal/middleware"
	"github.com/clearlabs/credits-backend/internal/services"
)

type AdminHandler struct {
	payments  *services.PaymentService
	ledger    *services.LedgerService
	validator *services.ValidationHelper
}

func NewAdminHandler(payments *services.PaymentService, ledger *services.LedgerService) *AdminHandler {
	return &AdminHandler{
		payments:  payments,
		ledger:    ledger,
		validator: services.NewValidationHelper(),
	}
}

// Refund reverses a confirmed payment
// @Summary Refund a payment
// @Description Mark a payment refunded and claw back its units (clamped at zero)
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{paymentId=integer} true "Refund request"
// @Success 200 {object} object{success=boolean,refund=services.RefundResult}
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /admin/payments/refund [post]
func (h *AdminHandler) Refund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentID int64 `json:"paymentId" validate:"required,gt=0"`
	}

	if err := services.DecodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, "Missing payment id", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Missing payment id", http.StatusBadRequest, err)
		return
	}

	result, err := h.payments.Refund(r.Context(), req.PaymentID, middleware.AccountID(r.Context()))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrPaymentNotFound):
			services.SendErrorResponse(w, "Payment not found", http.StatusNotFound, nil)
		case errors.Is(err, services.ErrAlreadyRefunded):
			services.SendErrorResponse(w, "Payment already refunded", http.StatusBadRequest, nil)
		case errors.Is(err, services.ErrPaymentNotConfirmed):
			services.SendErrorResponse(w, "Payment not confirmed", http.StatusBadRequest, nil)
		default:
			services.SendErrorResponse(w, "Failed to process refund", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"refund":  result,
	})
}

// AuditLedger replays an account's transaction log
// @Summary Audit an account ledger
// @Description Verify the balance_after chain reproduces the stored balance
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param account query string true "Account id"
// @Success 200 {object} object{consistent=boolean,entries=integer}
// @Router /admin/ledger/audit [get]
func (h *AdminHandler) AuditLedger(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		services.SendErrorResponse(w, "Missing account parameter", http.StatusBadRequest, nil)
		return
	}

	consistent, entries, err := h.ledger.VerifyHistory(r.Context(), accountID)
	if err != nil {
		services.SendErrorResponse(w, "Failed to audit ledger", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"account":    accountID,
		"consistent": consistent,
		"entries":    entries,
	})
}
