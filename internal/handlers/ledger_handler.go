package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/clearlabs/credits-backend/internal/middleware"
	"github.com/clearlabs/credits-backend/internal/models"
	"github.com/clearlabs/credits-backend/internal/services"
)

type LedgerHandler struct {
	ledger    *services.LedgerService
	validator *services.ValidationHelper
}

func NewLedgerHandler(ledger *services.LedgerService) *LedgerHandler {
	return &LedgerHandler{
		ledger:    ledger,
		validator: services.NewValidationHelper(),
	}
}

// Deduct debits the authenticated account for a metered operation
// @Summary Deduct credits
// @Description Atomically deduct credits for a metered operation
// @Tags credits
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=number,operation=string,metadata=object} true "Deduction request"
// @Success 200 {object} services.DebitResult
// @Failure 402 {object} object{error=string,balance=number,required=number}
// @Router /credits/deduct [post]
//
// This is a strictly metered path: a storage failure denies the request
// rather than degrading open. Callers that prefer to permit the operation
// on ledger outage must make that choice at their own call site.
func (h *LedgerHandler) Deduct(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountID(r.Context())
	if accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Amount    float64         `json:"amount" validate:"required,gt=0"`
		Operation string          `json:"operation" validate:"required,max=200"`
		Metadata  models.Metadata `json:"metadata"`
	}

	if err := services.DecodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.ledger.Debit(r.Context(), accountID, req.Amount, req.Operation, req.Metadata)
	if err != nil {
		var insufficient *services.InsufficientFundsError
		if errors.As(err, &insufficient) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(map[string]any{
				"error":    "Insufficient funds",
				"balance":  insufficient.Balance,
				"required": insufficient.Required,
			})
			return
		}
		services.SendErrorResponse(w, "Failed to process deduction", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GetBalance returns the account balance
// @Summary Get balance
// @Description Current balance, cumulative spend and last mutation time
// @Tags credits
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{balance=number,totalSpent=number,updatedAt=string}
// @Router /credits/balance [get]
func (h *LedgerHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountID(r.Context())
	if accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	bal, err := h.ledger.GetBalance(r.Context(), accountID)
	if err != nil {
		services.SendErrorResponse(w, "Failed to load balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"balance":    bal.Balance,
		"totalSpent": bal.TotalSpent,
		"updatedAt":  bal.UpdatedAt,
	})
}
