// Package privatechat runs the chat request state machine and the direct messages of
// accepted conversations.
package privatechat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-live/backend/internal/model/channel"
	"github.com/zhouzirui/z-live/backend/internal/model/identity"
	model "github.com/zhouzirui/z-live/backend/internal/model/privatechat"
	"github.com/zhouzirui/z-live/backend/internal/service/ratelimit"
	"github.com/zhouzirui/z-live/backend/internal/store"
	"github.com/zhouzirui/z-live/backend/internal/transport/pubsub"
	apperrors "github.com/zhouzirui/z-live/backend/pkg/errors"
	"github.com/zhouzirui/z-live/backend/pkg/keylock"
	"github.com/zhouzirui/z-live/backend/pkg/logger"
)

// Event types published on user topics.
const (
	EventRequest         = "chat_request"
	EventRequestAccepted = "chat_request_accepted"
	EventRequestRejected = "chat_request_rejected"
	EventMessage         = "private_message"
	EventMessagesRead    = "messages_read"
)

type Storage interface {
	store.Requests
	store.Conversations
}

type Options struct {
	Store     Storage
	Directory identity.Directory
	Broker    *pubsub.Broker
	Limiter   *ratelimit.Limiter
	// RequestTTL is how long a request stays PENDING before it reads as EXPIRED.
	RequestTTL time.Duration
	Now        func() time.Time
	Logger     *logger.Logger
}

// Engine is the Private Conversation Engine. Every state change of a pair runs under
// that pair's lock; the store's compare-and-swap is the second line.
type Engine struct {
	store     Storage
	directory identity.Directory
	broker    *pubsub.Broker
	limiter   *ratelimit.Limiter
	ttl       time.Duration
	now       func() time.Time
	locks     *keylock.Arena
	log       *logger.Logger
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Directory == nil || opts.Limiter == nil {
		return nil, errors.New("privatechat: store, directory and limiter are required")
	}
	if opts.RequestTTL <= 0 {
		opts.RequestTTL = model.DefaultRequestTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:     opts.Store,
		directory: opts.Directory,
		broker:    opts.Broker,
		limiter:   opts.Limiter,
		ttl:       opts.RequestTTL,
		now:       opts.Now,
		locks:     keylock.New(),
		log:       logger.OrNop(opts.Logger).With("component", "privatechat"),
	}, nil
}

func (e *Engine) publish(userID, eventType string, data interface{}) {
	if e.broker != nil {
		e.broker.Publish(pubsub.UserTopic(userID), eventType, data)
	}
}

// RequestInput describes a new chat request. StreamID defaults to the global context.
type RequestInput struct {
	SenderID       string  `json:"senderId"`
	ReceiverID     string  `json:"receiverId"`
	StreamID       string  `json:"streamId,omitempty"`
	InitialMessage *string `json:"initialMessage,omitempty"`
}

// SendRequest creates a PENDING request from sender to receiver. At most one PENDING
// request exists per ordered pair; an accepted pair needs no request.
func (e *Engine) SendRequest(ctx context.Context, in RequestInput) (model.ChatRequest, error) {
	if in.SenderID == "" || in.ReceiverID == "" {
		return model.ChatRequest{}, apperrors.InvalidArg(apperrors.CodeInvalidArgument, "sender and receiver are required")
	}
	if in.SenderID == in.ReceiverID {
		return model.ChatRequest{}, apperrors.InvalidArg(apperrors.CodeInvalidArgument, "cannot request a chat with yourself")
	}
	if in.StreamID = strings.TrimSpace(in.StreamID); in.StreamID == "" {
		in.StreamID = model.GlobalStream
	}

	var initial *string
	if in.InitialMessage != nil && strings.TrimSpace(*in.InitialMessage) != "" {
		body, err := channel.NormalizeBody(*in.InitialMessage)
		if err != nil {
			return model.ChatRequest{}, err
		}
		initial = &body
	}

	if _, ok, err := e.directory.Lookup(ctx, in.ReceiverID); err != nil {
		return model.ChatRequest{}, apperrors.Transient("identity lookup failed", err)
	} else if !ok {
		return model.ChatRequest{}, apperrors.NotFound("receiver not found")
	}

	unlock := e.locks.Lock(keylock.PairKey(in.SenderID, in.ReceiverID))
	defer unlock()

	now := e.now()
	if _, linked, err := e.store.GetLink(ctx, in.SenderID, in.ReceiverID); err != nil {
		return model.ChatRequest{}, apperrors.Transient("load conversation", err)
	} else if linked {
		return model.ChatRequest{}, apperrors.ErrAlreadyConversation
	}

	open, err := e.openRequest(ctx, in.SenderID, in.ReceiverID, now)
	if err != nil {
		return model.ChatRequest{}, err
	}
	if open {
		return model.ChatRequest{}, apperrors.ErrAlreadyPending
	}
	incoming, err := e.openRequest(ctx, in.ReceiverID, in.SenderID, now)
	if err != nil {
		return model.ChatRequest{}, err
	}
	if incoming {
		return model.ChatRequest{}, apperrors.ErrIncomingPending
	}

	req := model.ChatRequest{
		ID:             uuid.NewString(),
		StreamID:       in.StreamID,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		InitialMessage: initial,
		Status:         model.StatusPending,
		CreatedAt:      now,
	}
	if err := e.store.CreateRequest(ctx, req); err != nil {
		if errors.Is(err, store.ErrConflict) {
			e.log.Error("pending request raced past the pair lock", "sender", req.SenderID, "receiver", req.ReceiverID)
			return model.ChatRequest{}, apperrors.ErrAlreadyPending
		}
		return model.ChatRequest{}, apperrors.Transient("create chat request", err)
	}

	e.publish(req.ReceiverID, EventRequest, req)
	e.log.Debug("chat request created", "request", req.ID, "sender", req.SenderID, "receiver", req.ReceiverID)
	return req, nil
}

// openRequest reports whether sender already has a live PENDING request to receiver.
// A PENDING row past its TTL is persisted as EXPIRED on the way. Callers hold the pair lock.
func (e *Engine) openRequest(ctx context.Context, senderID, receiverID string, now time.Time) (bool, error) {
	latest, ok, err := e.store.LatestRequest(ctx, senderID, receiverID)
	if err != nil {
		return false, apperrors.Transient("load chat request", err)
	}
	if !ok || latest.Status != model.StatusPending {
		return false, nil
	}
	if latest.EffectiveStatus(now, e.ttl) == model.StatusPending {
		return true, nil
	}
	if _, err := e.store.TransitionRequest(ctx, latest.ID, model.StatusPending, model.StatusExpired, now); err != nil {
		return false, apperrors.Transient("expire chat request", err)
	}
	return false, nil
}

// AcceptResult is the conversation established by an accepted request.
type AcceptResult struct {
	Request      model.ChatRequest     `json:"request"`
	Conversation model.Link            `json:"conversation"`
	FirstMessage *model.PrivateMessage `json:"firstMessage,omitempty"`
}

// Accept moves a PENDING request to ACCEPTED. Only the receiver may accept; the initial
// message, when present, becomes the first message of the conversation.
func (e *Engine) Accept(ctx context.Context, requestID, actorID string) (AcceptResult, error) {
	req, unlock, err := e.lockDecision(ctx, requestID, actorID)
	if err != nil {
		return AcceptResult{}, err
	}
	defer unlock()

	now := e.now()
	link := model.Link{UserA: req.SenderID, UserB: req.ReceiverID, RequestID: req.ID, EstablishedAt: now}
	var first *model.PrivateMessage
	if req.InitialMessage != nil {
		first = &model.PrivateMessage{
			ID:         uuid.NewString(),
			SenderID:   req.SenderID,
			ReceiverID: req.ReceiverID,
			StreamID:   req.StreamID,
			Body:       *req.InitialMessage,
			CreatedAt:  req.CreatedAt,
		}
	}

	ok, err := e.store.AcceptRequest(ctx, req.ID, now, link, first)
	if err != nil {
		return AcceptResult{}, apperrors.Transient("accept chat request", err)
	}
	if !ok {
		return AcceptResult{}, apperrors.ErrNotPending
	}

	req.Status = model.StatusAccepted
	req.DecidedAt = &now
	result := AcceptResult{Request: req, Conversation: link}
	if first != nil {
		msgs, err := e.store.ListPrivateMessages(ctx, req.SenderID, req.ReceiverID, 0, 1)
		if err == nil && len(msgs) == 1 {
			result.FirstMessage = &msgs[0]
		} else {
			result.FirstMessage = first
		}
	}

	e.publish(req.SenderID, EventRequestAccepted, result)
	e.log.Info("chat request accepted", "request", req.ID)
	return result, nil
}

// Reject moves a PENDING request to REJECTED. The sender may request again later.
func (e *Engine) Reject(ctx context.Context, requestID, actorID string) (model.ChatRequest, error) {
	req, unlock, err := e.lockDecision(ctx, requestID, actorID)
	if err != nil {
		return model.ChatRequest{}, err
	}
	defer unlock()

	now := e.now()
	ok, err := e.store.TransitionRequest(ctx, req.ID, model.StatusPending, model.StatusRejected, now)
	if err != nil {
		return model.ChatRequest{}, apperrors.Transient("reject chat request", err)
	}
	if !ok {
		return model.ChatRequest{}, apperrors.ErrNotPending
	}
	req.Status = model.StatusRejected
	req.DecidedAt = &now

	e.publish(req.SenderID, EventRequestRejected, req)
	return req, nil
}

// lockDecision loads a request for its receiver, takes the pair lock and re-reads the row
// under it. The returned request is PENDING and inside its TTL.
func (e *Engine) lockDecision(ctx context.Context, requestID, actorID string) (model.ChatRequest, func(), error) {
	req, ok, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return model.ChatRequest{}, nil, apperrors.Transient("load chat request", err)
	}
	if !ok {
		return model.ChatRequest{}, nil, apperrors.NotFound("chat request not found")
	}
	if req.ReceiverID != actorID {
		return model.ChatRequest{}, nil, apperrors.ErrNotReceiver
	}

	unlock := e.locks.Lock(keylock.PairKey(req.SenderID, req.ReceiverID))
	req, ok, err = e.store.GetRequest(ctx, requestID)
	if err != nil {
		unlock()
		return model.ChatRequest{}, nil, apperrors.Transient("reload chat request", err)
	}
	if !ok {
		unlock()
		return model.ChatRequest{}, nil, apperrors.NotFound("chat request not found")
	}

	now := e.now()
	switch req.EffectiveStatus(now, e.ttl) {
	case model.StatusPending:
		return req, unlock, nil
	case model.StatusExpired:
		if req.Status == model.StatusPending {
			if _, err := e.store.TransitionRequest(ctx, req.ID, model.StatusPending, model.StatusExpired, now); err != nil {
				e.log.Warn("persist lazy expiry failed", "request", req.ID, "err", err)
			}
		}
	}
	unlock()
	return model.ChatRequest{}, nil, apperrors.ErrNotPending
}

// GetStatus reports the relationship from sender towards receiver: ACCEPTED when a
// conversation exists, otherwise the latest request's status with lazy expiry applied.
func (e *Engine) GetStatus(ctx context.Context, senderID, receiverID string) (model.RequestStatus, error) {
	if _, linked, err := e.store.GetLink(ctx, senderID, receiverID); err != nil {
		return "", apperrors.Transient("load conversation", err)
	} else if linked {
		return model.StatusAccepted, nil
	}
	latest, ok, err := e.store.LatestRequest(ctx, senderID, receiverID)
	if err != nil {
		return "", apperrors.Transient("load chat request", err)
	}
	if !ok {
		return model.StatusNone, nil
	}
	return latest.EffectiveStatus(e.now(), e.ttl), nil
}

// ListPendingRequests returns the live requests addressed to receiverID, oldest first.
func (e *Engine) ListPendingRequests(ctx context.Context, receiverID string) ([]model.ChatRequest, error) {
	pending, err := e.store.PendingFor(ctx, receiverID)
	if err != nil {
		return nil, apperrors.Transient("list pending requests", err)
	}
	now := e.now()
	out := make([]model.ChatRequest, 0, len(pending))
	for _, r := range pending {
		if r.EffectiveStatus(now, e.ttl) == model.StatusPending {
			out = append(out, r)
		}
	}
	return out, nil
}
