package wallet

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-live/backend/internal/middleware"
	walletservice "github.com/zhouzirui/z-live/backend/internal/service/wallet"
)

func TestBalanceAndTopUp(t *testing.T) {
	gateway := walletservice.NewMemoryGateway(decimal.NewFromInt(1))
	gateway.SetBalance("viewer-ben", decimal.NewFromInt(7))

	r := chi.NewRouter()
	r.Use(middleware.Identity)
	r.Route("/api", New(gateway, decimal.NewFromInt(5), decimal.NewFromInt(10)).RegisterRoutes)

	req := httptest.NewRequest(http.MethodGet, "/api/wallet/balance", nil)
	req.Header.Set(middleware.UserHeader, "viewer-ben")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body balanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Balance.Equal(decimal.NewFromInt(7)))
	assert.True(t, body.LowBalance)

	req = httptest.NewRequest(http.MethodPost, "/api/wallet/topup", strings.NewReader(`{"amount":"50"}`))
	req.Header.Set(middleware.UserHeader, "viewer-ben")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Balance.Equal(decimal.NewFromInt(57)))
	assert.False(t, body.LowBalance)

	req = httptest.NewRequest(http.MethodPost, "/api/wallet/topup", strings.NewReader(`{"amount":"-1"}`))
	req.Header.Set(middleware.UserHeader, "viewer-ben")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
