package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	type deductRequest struct {
		Amount    float64 `json:"amount" validate:"required,gt=0"`
		Operation string  `json:"operation" validate:"required,max=100"`
	}

	t.Run("valid struct", func(t *testing.T) {
		assert.NoError(t, vh.ValidateStruct(&deductRequest{Amount: 2.50, Operation: "scan"}))
	})

	t.Run("missing required field", func(t *testing.T) {
		assert.Error(t, vh.ValidateStruct(&deductRequest{Amount: 2.50}))
	})

	t.Run("non-positive amount", func(t *testing.T) {
		assert.Error(t, vh.ValidateStruct(&deductRequest{Amount: -1, Operation: "scan"}))
	})
}

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	decode := func(body string) error {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		var dst payload
		return DecodeJSONBody(httptest.NewRecorder(), req, &dst)
	}

	t.Run("single object", func(t *testing.T) {
		assert.NoError(t, decode(`{"name": "ok"}`))
	})

	t.Run("unknown field", func(t *testing.T) {
		assert.Error(t, decode(`{"name": "ok", "extra": 1}`))
	})

	t.Run("trailing content", func(t *testing.T) {
		assert.Error(t, decode(`{"name": "ok"}{"name": "again"}`))
	})

	t.Run("malformed JSON", func(t *testing.T) {
		assert.Error(t, decode(`{"name":`))
	})
}

func TestSendErrorResponse(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("plain error", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendErrorResponse(w, "Payment not found", http.StatusNotFound, nil)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "Payment not found", resp.Error)
		assert.Empty(t, resp.Details)
	})

	t.Run("validation details are attached per field", func(t *testing.T) {
		type req struct {
			Amount float64 `validate:"required,gt=0"`
		}
		err := vh.ValidateStruct(&req{})
		require.Error(t, err)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Contains(t, resp.Details, "Amount")
	})
}
