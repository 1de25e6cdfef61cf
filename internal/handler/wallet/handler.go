package wallet

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/zhouzirui/z-live/backend/internal/middleware"
	apperrors "github.com/zhouzirui/z-live/backend/pkg/errors"
	"github.com/zhouzirui/z-live/backend/pkg/utils"
)

// BalanceReader 钱包余额查询
type BalanceReader interface {
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// TopUpper 开发环境充值入口，生产网关不实现
type TopUpper interface {
	TopUp(userID string, amount decimal.Decimal) (decimal.Decimal, error)
}

// Handler 钱包余额处理器，前端据此提示充值
type Handler struct {
	wallet     BalanceReader
	topUp      TopUpper
	rate       decimal.Decimal
	lowBalance decimal.Decimal
}

// New 创建钱包处理器；wallet 同时实现 TopUpper 时开放充值路由
func New(wallet BalanceReader, rate, lowBalance decimal.Decimal) *Handler {
	h := &Handler{wallet: wallet, rate: rate, lowBalance: lowBalance}
	if t, ok := wallet.(TopUpper); ok {
		h.topUp = t
	}
	return h
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireUser)
		r.Get("/wallet/balance", h.handleBalance)
		if h.topUp != nil {
			r.Post("/wallet/topup", h.handleTopUp)
		}
	})
}

type balanceResponse struct {
	UserID          string          `json:"userId"`
	Balance         decimal.Decimal `json:"balance"`
	TokensPerWindow decimal.Decimal `json:"tokensPerWindow"`
	LowBalance      bool            `json:"lowBalance"`
}

func (h *Handler) respondBalance(w http.ResponseWriter, userID string, balance decimal.Decimal) {
	utils.RespondJSON(w, http.StatusOK, balanceResponse{
		UserID:          userID,
		Balance:         balance,
		TokensPerWindow: h.rate,
		LowBalance:      balance.LessThan(h.lowBalance) || balance.LessThan(h.rate),
	})
}

// handleBalance 查询当前用户余额
func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.CurrentUser(r.Context())

	balance, err := h.wallet.GetBalance(r.Context(), userID)
	if err != nil {
		utils.RespondAppError(w, apperrors.Transient("wallet unavailable", err))
		return
	}
	h.respondBalance(w, userID, balance)
}

// handleTopUp 开发环境充值，触发计费循环恢复
func (h *Handler) handleTopUp(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.CurrentUser(r.Context())

	var payload struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	balance, err := h.topUp.TopUp(userID, payload.Amount)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respondBalance(w, userID, balance)
}
