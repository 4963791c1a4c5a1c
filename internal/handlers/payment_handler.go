package handlers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/clearlabs/credits-backend/internal/middleware"
	"github.com/clearlabs/credits-backend/internal/providers"
	"github.com/clearlabs/credits-backend/internal/services"
)

type PaymentHandler struct {
	payments  *services.PaymentService
	validator *services.ValidationHelper
}

func NewPaymentHandler(payments *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{
		payments:  payments,
		validator: services.NewValidationHelper(),
	}
}

// CreateOrder starts a top-up purchase
// @Summary Create payment order
// @Description Record a pending payment and return the gateway redirect URL
// @Tags payments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{packageId=string,recurring=boolean} true "Order request"
// @Success 200 {object} services.OrderResult
// @Router /payments/create [post]
func (h *PaymentHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountID(r.Context())
	if accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		PackageID string `json:"packageId" validate:"required,max=50"`
		Recurring bool   `json:"recurring"`
	}

	if err := services.DecodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.payments.CreateOrder(r.Context(), accountID, req.PackageID,
		req.Recurring, clientIP(r), r.UserAgent())
	if err != nil {
		if errors.Is(err, services.ErrUnknownPackage) {
			services.SendErrorResponse(w, "Unknown credit package", http.StatusBadRequest, nil)
			return
		}
		services.SendErrorResponse(w, "Failed to create payment order", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"order":   result,
	})
}

// ListPackages returns the purchasable credit packages
// @Summary List credit packages
// @Tags payments
// @Produce json
// @Success 200 {object} object{packages=[]models.CreditPackage}
// @Router /payments/packages [get]
func (h *PaymentHandler) ListPackages(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"packages": h.payments.Packages(),
	})
}

// Result is the gateway webhook. The response body is the provider-specific
// acknowledgment. Logical failures after signature validation still answer
// HTTP 200 to stop gateway retry storms; only signature and source failures
// get a non-200 per gateway convention.
// @Summary Payment result webhook
// @Tags payments
// @Accept x-www-form-urlencoded
// @Produce plain
// @Router /payment/result [post]
func (h *PaymentHandler) Result(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	ack, err := h.payments.ProcessNotification(r.Context(), clientIP(r), r.Form)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	switch {
	case err == nil:
		w.Write([]byte(ack))
	case errors.Is(err, services.ErrSourceNotAllowed):
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("forbidden"))
	case errors.Is(err, providers.ErrInvalidSignature):
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad sign"))
	default:
		// Unknown order, amount mismatch, storage failure: acknowledged
		// with a neutral body, nothing was credited.
		w.Write([]byte("error"))
	}
}

// Success is the gateway redirect landing after a completed payment.
// Crediting happens only through the webhook; this is informational.
func (h *PaymentHandler) Success(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "success",
		"message": "Payment accepted, credits will appear shortly",
	})
}

// Fail is the gateway redirect landing after a cancelled payment.
func (h *PaymentHandler) Fail(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "cancelled",
		"message": "Payment was not completed",
	})
}

// clientIP strips the port from RemoteAddr when present. Behind the RealIP
// middleware RemoteAddr already holds the forwarded client address.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
