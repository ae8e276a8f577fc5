package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid payload", func(t *testing.T) {
		valid := CreateRequestPayload{
			RequestType:     "deposit",
			RequestedAmount: decimal.NewFromInt(100),
			ClientNotes:     "first deposit",
		}

		assert.NoError(t, vh.ValidateStruct(&valid))
	})

	t.Run("invalid payload", func(t *testing.T) {
		invalid := CreateRequestPayload{
			RequestType: "loan", // not a known request type
		}

		err := vh.ValidateStruct(&invalid)
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 1)
	})
}

func TestRequirePositive(t *testing.T) {
	t.Run("positive amount passes", func(t *testing.T) {
		assert.NoError(t, requirePositive("amount", decimal.NewFromFloat(0.01)))
	})

	t.Run("zero amount fails", func(t *testing.T) {
		err := requirePositive("amount", decimal.Zero)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("negative amount fails", func(t *testing.T) {
		err := requirePositive("requested_amount", decimal.NewFromInt(-5))
		assert.ErrorIs(t, err, ErrValidation)
		assert.Contains(t, err.Error(), "requested_amount")
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("plain error", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendErrorResponse(w, "Something went wrong", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var resp ErrorResponse
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, "Something went wrong", resp.Error)
		assert.Empty(t, resp.Details)
	})

	t.Run("validation details included", func(t *testing.T) {
		vh := NewValidationHelper()
		err := vh.ValidateStruct(&CreateRequestPayload{RequestType: "loan"})
		assert.Error(t, err)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var resp ErrorResponse
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, "Validation failed", resp.Error)
		assert.NotEmpty(t, resp.Details)
	})
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"not found", ErrNotFound, http.StatusNotFound},
		{"forbidden", ErrForbidden, http.StatusForbidden},
		{"insufficient funds", ErrInsufficientFunds, http.StatusBadRequest},
		{"invalid state", ErrInvalidState, http.StatusConflict},
		{"validation", ErrValidation, http.StatusBadRequest},
		{"unexpected", assert.AnError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeServiceError(w, tt.err)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}
