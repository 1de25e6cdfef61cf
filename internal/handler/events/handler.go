package events

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-live/backend/internal/middleware"
	"github.com/zhouzirui/z-live/backend/internal/transport/pubsub"
	"github.com/zhouzirui/z-live/backend/pkg/logger"
	"github.com/zhouzirui/z-live/backend/pkg/utils"
)

// DefaultHeartbeat SSE 心跳间隔
const DefaultHeartbeat = 15 * time.Second

// Handler 用户私信事件的SSE推送
type Handler struct {
	broker    *pubsub.Broker
	heartbeat time.Duration
	log       *logger.Logger
}

// New 创建事件推送处理器，heartbeat 为 0 时使用默认值
func New(broker *pubsub.Broker, heartbeat time.Duration, log *logger.Logger) *Handler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Handler{broker: broker, heartbeat: heartbeat, log: logger.OrNop(log).With("component", "events")}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(middleware.RequireUser).Get("/events", h.handleEvents)
}

// handleEvents 推送 user:<id> 主题上的事件，直到客户端断开
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	userID, _ := middleware.CurrentUser(r.Context())

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	sub := h.broker.Subscribe(pubsub.UserTopic(userID), pubsub.DefaultBuffer)
	defer func() { sub.Close() }()

	h.log.Debug("opening event stream", "user", userID)
	defer h.log.Debug("closing event stream", "user", userID)

	if err := utils.SendSSEEvent(w, flusher, 0, "ready", map[string]any{"startSeq": sub.StartSeq()}); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				if !errors.Is(sub.Err(), pubsub.ErrLagged) {
					return
				}
				// 客户端收到 resync 后重新拉取会话列表
				sub = h.broker.Subscribe(pubsub.UserTopic(userID), pubsub.DefaultBuffer)
				if err := utils.SendSSEEvent(w, flusher, 0, "resync", map[string]any{"startSeq": sub.StartSeq()}); err != nil {
					return
				}
				continue
			}
			if err := utils.SendSSEEvent(w, flusher, ev.Seq, ev.Type, ev.Data); err != nil {
				h.log.Debug("event stream write failed", "user", userID, "err", err)
				return
			}
		}
	}
}
