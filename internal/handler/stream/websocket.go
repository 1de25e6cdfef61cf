package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-live/backend/internal/service/billing"
	"github.com/zhouzirui/z-live/backend/internal/service/channel"
	"github.com/zhouzirui/z-live/backend/internal/transport/pubsub"
	apperrors "github.com/zhouzirui/z-live/backend/pkg/errors"
	"github.com/zhouzirui/z-live/backend/pkg/utils"
)

const writeWait = 10 * time.Second

// 客户端上行消息类型
const (
	inboundSend          = "send"
	inboundModerate      = "moderate"
	inboundBillingResume = "billing_resume"
)

// 下行消息类型，频道事件沿用 pubsub 的事件名
const (
	outConnected = "connected"
	outAck       = "ack"
	outError     = "error"
	outResync    = "resync"
	outQuality   = "quality"
	outBilling   = "billing"
)

type inboundMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Seq       uint64      `json:"seq,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// feedConn 串行化写操作，gorilla 连接不支持并发写
type feedConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *feedConn) send(msg outgoingMessage) error {
	msg.Timestamp = time.Now().UnixMilli()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *feedConn) ping(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(writeWait))
}

// feed 单个直播连接的状态
type feed struct {
	conn     *feedConn
	token    string
	streamID string
	viewerID string
	connID   string
	meter    *billing.MeterSession
}

// handleWebSocket 直播间实时推送：频道事件、直播状态、连接质量与计费结果
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}

	s, err := h.sessionFor(r.Context(), token, streamID)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	if !s.CanView {
		utils.RespondAppError(w, apperrors.Denied(apperrors.CodeNotAuthorized, "stream is not viewable"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "stream", streamID, "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	f := &feed{
		conn:     &feedConn{conn: conn},
		token:    token,
		streamID: streamID,
		viewerID: s.UserID,
	}
	if h.presence != nil {
		f.connID = h.presence.Connect(s.UserID, streamID)
		defer h.presence.Disconnect(f.connID)
	} else {
		f.connID = s.ID + ":" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	h.quality.Register(f.connID)
	defer h.quality.Forget(f.connID)

	log := h.log.With("stream", streamID, "viewer", s.UserID, "conn", f.connID)
	log.Info("live feed connected")
	defer log.Info("live feed closed")

	// 订阅先于历史加载，客户端按 seq 去重
	sub := h.pipeline.Subscribe(streamID, pubsub.DefaultBuffer)
	f.conn.send(outgoingMessage{Type: outConnected, Data: map[string]any{
		"sessionId":  s.ID,
		"canChat":    s.CanChat,
		"privileged": s.Privileged,
		"startSeq":   sub.StartSeq(),
	}})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.pumpEvents(ctx, f, sub)
	}()
	go func() {
		defer wg.Done()
		h.pingLoop(ctx, f)
	}()

	// 主播与管理员不计费
	if h.meter != nil && !s.Privileged {
		f.meter = h.meter.Start(ctx, s.UserID, streamID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.pumpBilling(f)
		}()
	}

	readTimeout := 3 * h.quality.PingInterval()
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(payload string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if sent, err := strconv.ParseInt(payload, 10, 64); err == nil {
			h.quality.Observe(f.connID, time.Since(time.Unix(0, sent)))
		}
		return nil
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read error", "err", err)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		h.handleMessage(ctx, f, msg)
	}

	cancel()
	if f.meter != nil {
		f.meter.Stop()
	}
	wg.Wait()
}

// handleMessage 处理客户端上行消息
func (h *Handler) handleMessage(ctx context.Context, f *feed, msg inboundMessage) {
	switch msg.Type {
	case inboundSend:
		var payload struct {
			Body string `json:"body"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			h.sendError(f, msg.RequestID, apperrors.InvalidArg(apperrors.CodeInvalidArgument, "invalid send payload"))
			return
		}
		s, err := h.sessionFor(ctx, f.token, f.streamID)
		if err != nil {
			h.sendError(f, msg.RequestID, err)
			return
		}
		res, err := h.pipeline.Send(ctx, s, payload.Body)
		if err != nil {
			h.sendError(f, msg.RequestID, err)
			return
		}
		f.conn.send(outgoingMessage{Type: outAck, RequestID: msg.RequestID, Data: res})

	case inboundModerate:
		var req channel.ModerationRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			h.sendError(f, msg.RequestID, apperrors.InvalidArg(apperrors.CodeInvalidArgument, "invalid moderation payload"))
			return
		}
		s, err := h.sessionFor(ctx, f.token, f.streamID)
		if err != nil {
			h.sendError(f, msg.RequestID, err)
			return
		}
		action, err := h.pipeline.Moderate(ctx, s, req)
		if err != nil {
			h.sendError(f, msg.RequestID, err)
			return
		}
		f.conn.send(outgoingMessage{Type: outAck, RequestID: msg.RequestID, Data: action})

	case inboundBillingResume:
		if f.meter == nil {
			h.sendError(f, msg.RequestID, apperrors.InvalidArg(apperrors.CodeInvalidArgument, "billing is not active on this connection"))
			return
		}
		f.meter.Resume()
		f.conn.send(outgoingMessage{Type: outAck, RequestID: msg.RequestID, Data: map[string]string{"meter": string(f.meter.State())}})

	default:
		h.sendError(f, msg.RequestID, apperrors.InvalidArg(apperrors.CodeInvalidArgument, "unknown message type"))
	}
}

// pumpEvents 转发频道事件；订阅落后被丢弃时重新订阅并通知客户端重载
func (h *Handler) pumpEvents(ctx context.Context, f *feed, sub *pubsub.Subscription) {
	defer func() { sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				if !errors.Is(sub.Err(), pubsub.ErrLagged) {
					return
				}
				h.log.Warn("live feed lagged, resubscribing", "stream", f.streamID, "conn", f.connID)
				sub = h.pipeline.Subscribe(f.streamID, pubsub.DefaultBuffer)
				if err := f.conn.send(outgoingMessage{Type: outResync, Data: map[string]any{"startSeq": sub.StartSeq()}}); err != nil {
					return
				}
				continue
			}
			if err := f.conn.send(outgoingMessage{Type: ev.Type, Seq: ev.Seq, Data: ev.Data}); err != nil {
				return
			}
		}
	}
}

// pumpBilling 推送计费结果，计费循环结束后退出
func (h *Handler) pumpBilling(f *feed) {
	for res := range f.meter.Results() {
		if err := f.conn.send(outgoingMessage{Type: outBilling, Data: res}); err != nil {
			h.log.Debug("drop billing result", "conn", f.connID, "err", err)
		}
	}
}

// pingLoop 定期发送ping消息，并在连接质量变化时通知客户端
func (h *Handler) pingLoop(ctx context.Context, f *feed) {
	ticker := time.NewTicker(h.quality.PingInterval())
	defer ticker.Stop()

	last := channel.QualityGood
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload := strconv.FormatInt(time.Now().UnixNano(), 10)
			if err := f.conn.ping([]byte(payload)); err != nil {
				return
			}
			if q := h.quality.Classify(f.connID); q != last {
				last = q
				f.conn.send(outgoingMessage{Type: outQuality, Data: map[string]string{"quality": string(q)}})
			}
		}
	}
}

func (h *Handler) sendError(f *feed, requestID string, err error) {
	_, body := utils.NewErrorBody(err)
	if sendErr := f.conn.send(outgoingMessage{Type: outError, RequestID: requestID, Data: body}); sendErr != nil {
		h.log.Debug("write error failed", "conn", f.connID, "err", sendErr)
	}
}
