package httpapi

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	api := newTestAPI(t)
	res := do(t, api, http.MethodGet, "/healthz", "", nil)

	require.Equal(t, "nosniff", res.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", res.Header().Get("X-Frame-Options"))
	require.NotEmpty(t, res.Header().Get("Referrer-Policy"))
	require.Equal(t, "*", res.Header().Get("Access-Control-Allow-Origin"))
}

func TestPreflightShortCircuits(t *testing.T) {
	api := newTestAPI(t)
	res := do(t, api, http.MethodOptions, "/api/v1/sales", "", nil)
	require.Equal(t, http.StatusNoContent, res.Code)
}

func TestLoginRateLimitReturns429(t *testing.T) {
	api := newTestAPI(t)
	body := domain.LoginRequest{Username: "admin", Password: "wrong-pass"}

	for i := 0; i < 6; i++ {
		res := do(t, api, http.MethodPost, "/api/v1/auth/login", "", body)
		if i < 5 {
			require.Equal(t, http.StatusUnauthorized, res.Code, "attempt %d", i+1)
			continue
		}
		require.Equal(t, http.StatusTooManyRequests, res.Code)
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	api := newTestAPI(t)
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"username":"%s","password":"x"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)

	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestReturnRateLimitReturns429(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "cashier", "cashier123")
	body := domain.ReturnRequest{Reason: "test"}

	for i := 0; i < 9; i++ {
		res := do(t, api, http.MethodPost, "/api/v1/sales/sale-missing/return", token, body, "X-Manager-PIN", "000000")
		if i < 8 {
			require.Equal(t, http.StatusForbidden, res.Code, "attempt %d", i+1)
			continue
		}
		require.Equal(t, http.StatusTooManyRequests, res.Code)
	}
}

func TestParsePositiveLimitCaps(t *testing.T) {
	require.Equal(t, 200, parsePositiveLimit("9999", 50, 200))
	require.Equal(t, 50, parsePositiveLimit("", 50, 200))
	require.Equal(t, 50, parsePositiveLimit("invalid", 50, 200))
	require.Equal(t, 50, parsePositiveLimit("-3", 50, 200))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("sale x: %w", store.ErrNotFound), http.StatusNotFound},
		{&domain.InsufficientStockError{ProductID: "P", Requested: 2, Available: 1}, http.StatusConflict},
		{domain.ErrNoOpenShift, http.StatusConflict},
		{domain.ErrShiftAlreadyOpen, http.StatusConflict},
		{domain.ErrShiftClosed, http.StatusConflict},
		{domain.ErrShiftAlreadyClosed, http.StatusConflict},
		{domain.ErrAlreadyReturned, http.StatusConflict},
		{store.ErrConflict, http.StatusConflict},
		{domain.ErrInvalidAmount, http.StatusUnprocessableEntity},
		{domain.ErrInvalidPaymentAmount, http.StatusUnprocessableEntity},
		{domain.ErrInvalidReference, http.StatusUnprocessableEntity},
		{&domain.InconsistentStockError{EntryID: "led-1"}, http.StatusInternalServerError},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
