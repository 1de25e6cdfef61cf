package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-live/backend/internal/middleware"
	"github.com/zhouzirui/z-live/backend/internal/model/identity"
	"github.com/zhouzirui/z-live/backend/internal/model/session"
	"github.com/zhouzirui/z-live/backend/internal/service/access"
	"github.com/zhouzirui/z-live/backend/internal/service/billing"
	"github.com/zhouzirui/z-live/backend/internal/service/channel"
	"github.com/zhouzirui/z-live/backend/internal/service/lifecycle"
	"github.com/zhouzirui/z-live/backend/internal/service/presence"
	apperrors "github.com/zhouzirui/z-live/backend/pkg/errors"
	"github.com/zhouzirui/z-live/backend/pkg/logger"
	"github.com/zhouzirui/z-live/backend/pkg/utils"
)

// StatusUpdater 直播状态推送入口，由直播服务回调
type StatusUpdater interface {
	lifecycle.Lifecycle
	Update(ctx context.Context, s lifecycle.Stream) bool
}

// Options 直播间处理器依赖
type Options struct {
	Authority *access.Authority
	Pipeline  *channel.Pipeline
	Biller    *billing.Biller
	Meter     *billing.Meter
	Presence  *presence.Tracker
	Quality   *channel.QualityTracker
	Lifecycle StatusUpdater
	Logger    *logger.Logger
}

// Handler 直播间频道的HTTP与WebSocket处理器
type Handler struct {
	authority *access.Authority
	pipeline  *channel.Pipeline
	biller    *billing.Biller
	meter     *billing.Meter
	presence  *presence.Tracker
	quality   *channel.QualityTracker
	lifecycle StatusUpdater
	log       *logger.Logger
	upgrader  websocket.Upgrader
}

// New 创建直播间处理器
func New(opts Options) *Handler {
	quality := opts.Quality
	if quality == nil {
		quality = channel.NewQualityTracker(channel.QualityOptions{})
	}
	return &Handler{
		authority: opts.Authority,
		pipeline:  opts.Pipeline,
		biller:    opts.Biller,
		meter:     opts.Meter,
		presence:  opts.Presence,
		quality:   quality,
		lifecycle: opts.Lifecycle,
		log:       logger.OrNop(opts.Logger).With("component", "stream_handler"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册直播间路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/streams/{streamID}", func(r chi.Router) {
		r.With(middleware.RequireUser).Post("/join", h.handleJoin)
		r.Get("/messages", h.handleHistory)
		r.Post("/messages", h.handleSend)
		r.Post("/moderation", h.handleModerate)
		r.Post("/billing/tick", h.handleBillingTick)
		r.Get("/ws", h.handleWebSocket)
	})
}

// RegisterInternalRoutes 注册内部回调路由
func (h *Handler) RegisterInternalRoutes(r chi.Router) {
	r.Post("/streams/{streamID}/status", h.handleStatusUpdate)
}

// joinResponse 加入直播间的应答
type joinResponse struct {
	Token     string        `json:"token,omitempty"`
	SessionID string        `json:"sessionId,omitempty"`
	CanChat   bool          `json:"canChat"`
	CanView   bool          `json:"canView"`
	Reason    string        `json:"reason,omitempty"`
	Role      identity.Role `json:"role,omitempty"`
	ExpiresAt *time.Time    `json:"expiresAt,omitempty"`
}

// handleJoin 申请频道会话凭证
func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.CurrentUser(r.Context())
	streamID := chi.URLParam(r, "streamID")

	grant, err := h.authority.RequestAccess(r.Context(), streamID, userID)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}

	resp := joinResponse{
		Token:   grant.Token,
		CanChat: grant.Session.CanChat,
		CanView: grant.Session.CanView,
		Reason:  grant.Session.Reason,
		Role:    grant.Session.Role,
	}
	if grant.Token != "" {
		expires := grant.Session.ExpiresAt
		resp.SessionID = grant.Session.ID
		resp.ExpiresAt = &expires
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

// handleHistory 分页加载历史消息
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	query := r.URL.Query()

	var before snowflake.ID
	if raw := query.Get("before"); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = id
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

	page, err := h.pipeline.LoadHistory(r.Context(), streamID, before, limit)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, page)
}

// handleSend 发送公共频道消息
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	s, err := h.authenticate(r, bearerToken(r))
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}

	var payload struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.pipeline.Send(r.Context(), s, payload.Body)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, res)
}

// handleModerate 执行删除、禁言或封禁
func (h *Handler) handleModerate(w http.ResponseWriter, r *http.Request) {
	s, err := h.authenticate(r, bearerToken(r))
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}

	var req channel.ModerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	action, err := h.pipeline.Moderate(r.Context(), s, req)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, action)
}

// handleBillingTick 手动结算一个计费窗口，windowStart 为空时取当前窗口
func (h *Handler) handleBillingTick(w http.ResponseWriter, r *http.Request) {
	s, err := h.authenticate(r, bearerToken(r))
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}

	var payload struct {
		WindowStart time.Time `json:"windowStart"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.biller.ChargeTick(r.Context(), s.UserID, s.StreamID, payload.WindowStart)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, res)
}

// handleStatusUpdate 直播服务推送状态变化
func (h *Handler) handleStatusUpdate(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")

	var payload struct {
		Status    string `json:"status"`
		Paused    bool   `json:"paused"`
		CreatorID string `json:"creatorId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status, err := lifecycle.ParseStatus(payload.Status)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "status must be LIVE, SCHEDULED or ENDED")
		return
	}

	stream := lifecycle.Stream{ID: streamID, CreatorID: payload.CreatorID, Status: status, Paused: payload.Paused}
	if stream.CreatorID == "" {
		if _, ok, err := h.lifecycle.GetStreamStatus(r.Context(), streamID); err != nil {
			utils.RespondAppError(w, apperrors.Transient("stream status unavailable", err))
			return
		} else if !ok {
			utils.RespondError(w, http.StatusBadRequest, "creatorId is required for a new stream")
			return
		}
	}

	changed := h.lifecycle.Update(r.Context(), stream)
	current, _, _ := h.lifecycle.GetStreamStatus(r.Context(), streamID)
	h.log.Info("stream status updated", "stream", streamID, "status", current.Status, "paused", current.Paused, "changed", changed)
	utils.RespondJSON(w, http.StatusOK, map[string]any{"stream": current, "changed": changed})
}

// authenticate 校验请求携带的凭证
func (h *Handler) authenticate(r *http.Request, token string) (session.ChatSession, error) {
	s, err := h.sessionFor(r.Context(), token, chi.URLParam(r, "streamID"))
	if err != nil {
		return session.ChatSession{}, err
	}
	if userID, ok := middleware.CurrentUser(r.Context()); ok && userID != s.UserID {
		return session.ChatSession{}, apperrors.ErrInvalidToken
	}
	return s, nil
}

// sessionFor 校验凭证并确认它属于该直播间
func (h *Handler) sessionFor(ctx context.Context, token, streamID string) (session.ChatSession, error) {
	if token == "" {
		return session.ChatSession{}, apperrors.ErrInvalidToken
	}
	s, err := h.authority.Authenticate(ctx, token)
	if err != nil {
		return session.ChatSession{}, err
	}
	if s.StreamID != streamID {
		return session.ChatSession{}, errWrongStream
	}
	return s, nil
}

var errWrongStream = apperrors.Unauthenticated(apperrors.CodeInvalidToken, "token was issued for another stream")

func bearerToken(r *http.Request) string {
	raw := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(raw, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
