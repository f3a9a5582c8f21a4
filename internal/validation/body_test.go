package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/creditstore/internal/apperr"
)

type deliveryBody struct {
	OrderID string `json:"orderId" validate:"required,uuid"`
	Type    string `json:"tipoEntrega" validate:"required,max=32"`
	Email   string `json:"emailContaLovable" validate:"omitempty,email"`
}

func request(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/api/orders/delivery", strings.NewReader(body))
}

func TestDecodeJSONBody_OK(t *testing.T) {
	var dst deliveryBody
	err := DecodeJSONBody(request(`{"orderId":"8f0e2ad4-3f54-4a55-9a3c-7a1cbb0f5a10","tipoEntrega":"email","emailContaLovable":"a@b.co"}`), &dst)
	require.NoError(t, err)
	assert.Equal(t, "email", dst.Type)
}

func TestDecodeJSONBody_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		message string
	}{
		{name: "empty", body: "", message: "request body is empty"},
		{name: "malformed", body: "{", message: "invalid request body"},
		{name: "missing fields", body: `{}`, message: "orderId is required; tipoEntrega is required"},
		{name: "bad uuid", body: `{"orderId":"42","tipoEntrega":"email"}`, message: "orderId must be a valid uuid"},
		{name: "bad email", body: `{"orderId":"8f0e2ad4-3f54-4a55-9a3c-7a1cbb0f5a10","tipoEntrega":"email","emailContaLovable":"nope"}`, message: "emailContaLovable must be a valid email"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst deliveryBody
			err := DecodeJSONBody(request(tt.body), &dst)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrValidation)
			assert.Contains(t, err.Error(), tt.message)
			assert.Contains(t, apperr.Public(err), tt.message)
		})
	}
}
