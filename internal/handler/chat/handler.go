package chat

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-live/backend/internal/middleware"
	"github.com/zhouzirui/z-live/backend/internal/service/privatechat"
	"github.com/zhouzirui/z-live/backend/pkg/utils"
)

// Handler 私信请求与会话的HTTP处理器
type Handler struct {
	engine *privatechat.Engine
}

// New 创建私信处理器
func New(engine *privatechat.Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes 注册私信相关的路由，所有路由都需要登录
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireUser)

		r.Post("/chat-requests", h.handleSendRequest)
		r.Get("/chat-requests/pending", h.handleListPending)
		r.Get("/chat-requests/status", h.handleStatus)
		r.Post("/chat-requests/{requestID}/accept", h.handleAccept)
		r.Post("/chat-requests/{requestID}/reject", h.handleReject)

		r.Get("/conversations", h.handleListConversations)
		r.Get("/conversations/{partnerID}/messages", h.handleListMessages)
		r.Post("/conversations/{partnerID}/messages", h.handleSendMessage)
		r.Post("/conversations/{partnerID}/read", h.handleMarkRead)
	})
}

// handleSendRequest 发起私信请求
func (h *Handler) handleSendRequest(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.CurrentUser(r.Context())

	var payload struct {
		ReceiverID     string  `json:"receiverId"`
		StreamID       string  `json:"streamId"`
		InitialMessage *string `json:"initialMessage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.ReceiverID == "" {
		utils.RespondError(w, http.StatusBadRequest, "receiverId is required")
		return
	}

	req, err := h.engine.SendRequest(r.Context(), privatechat.RequestInput{
		SenderID:       userID,
		ReceiverID:     payload.ReceiverID,
		StreamID:       payload.StreamID,
		InitialMessage: payload.InitialMessage,
	})
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, req)
}

// handleListPending 列出待处理的请求
func (h *Handler) handleListPending(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.CurrentUser(r.Context())

	pending, err := h.engine.ListPendingRequests(r.Context(), userID)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"requests": pending})
}

// handleStatus 查询与某用户的请求状态
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.CurrentUser(r.Context())
	other := r.URL.Query().Get("with")
	if other == "" {
		utils.RespondError(w, http.StatusBadRequest, "with query parameter is required")
		return
	}

	status, err := h.engine.GetStatus(r.Context(), userID, other)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"with": other, "status": status})
}

func (h *Handler) handleAccept(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.CurrentUser(r.Context())

	res, err := h.engine.Accept(r.Context(), chi.URLParam(r, "requestID"), userID)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, res)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.CurrentUser(r.Context())

	req, err := h.engine.Reject(r.Context(), chi.URLParam(r, "requestID"), userID)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, req)
}

// handleListConversations 会话列表，按最近活动排序
func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.CurrentUser(r.Context())

	convs, err := h.engine.ListConversations(r.Context(), userID)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// handleListMessages 分页读取会话消息
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.CurrentUser(r.Context())
	query := r.URL.Query()

	var before int64
	if raw := query.Get("before"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			utils.RespondError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = n
	}
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			utils.RespondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	page, err := h.engine.ListMessages(r.Context(), userID, chi.URLParam(r, "partnerID"), before, limit)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, page)
}

// handleSendMessage 发送私信
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.CurrentUser(r.Context())

	var payload struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.engine.SendMessage(r.Context(), userID, chi.URLParam(r, "partnerID"), payload.Body)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, msg)
}

// handleMarkRead 标记会话已读
func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.CurrentUser(r.Context())

	n, err := h.engine.MarkRead(r.Context(), userID, chi.URLParam(r, "partnerID"))
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]int{"marked": n})
}
