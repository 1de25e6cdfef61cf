// Package channel implements the public chat pipeline of a stream: gated sends,
// backward history pages, moderation and the live broadcast.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"

	"github.com/zhouzirui/z-live/backend/internal/model/channel"
	"github.com/zhouzirui/z-live/backend/internal/model/identity"
	"github.com/zhouzirui/z-live/backend/internal/model/session"
	"github.com/zhouzirui/z-live/backend/internal/service/lifecycle"
	"github.com/zhouzirui/z-live/backend/internal/service/ratelimit"
	"github.com/zhouzirui/z-live/backend/internal/store"
	"github.com/zhouzirui/z-live/backend/internal/transport/pubsub"
	apperrors "github.com/zhouzirui/z-live/backend/pkg/errors"
	"github.com/zhouzirui/z-live/backend/pkg/keylock"
	"github.com/zhouzirui/z-live/backend/pkg/logger"
)

// Event types published on the stream topic.
const (
	EventMessage    = "message"
	EventModeration = "moderation"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

type Storage interface {
	store.Messages
	store.Moderation
}

type Options struct {
	Store   Storage
	Broker  *pubsub.Broker
	Limiter *ratelimit.Limiter
	Node    *snowflake.Node
	// Directory and Lifecycle are optional; with both set, MUTE and BAN cannot target a
	// user who is privileged on the stream.
	Directory identity.Directory
	Lifecycle lifecycle.Lifecycle
	Now       func() time.Time
	Logger    *logger.Logger
}

// Pipeline is the Channel Message Pipeline.
type Pipeline struct {
	store     Storage
	broker    *pubsub.Broker
	limiter   *ratelimit.Limiter
	node      *snowflake.Node
	directory identity.Directory
	lifecycle lifecycle.Lifecycle
	now       func() time.Time
	locks     *keylock.Arena
	log       *logger.Logger
}

func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil || opts.Broker == nil || opts.Limiter == nil {
		return nil, errors.New("channel: store, broker and limiter are required")
	}
	if opts.Node == nil {
		node, err := snowflake.NewNode(1)
		if err != nil {
			return nil, err
		}
		opts.Node = node
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		store:     opts.Store,
		broker:    opts.Broker,
		limiter:   opts.Limiter,
		node:      opts.Node,
		directory: opts.Directory,
		lifecycle: opts.Lifecycle,
		now:       opts.Now,
		locks:     keylock.New(),
		log:       logger.OrNop(opts.Logger).With("component", "channel"),
	}, nil
}

// SendResult is an accepted message plus the sends left in the current window.
type SendResult struct {
	Message   channel.ChatMessage `json:"message"`
	Remaining int                 `json:"remaining"`
}

// Send validates and appends a message, then broadcasts it to the stream's subscribers.
// Checks run in order: session, chat gate, sanctions, body, rate limit. Sanctions are
// checked again under the stream lock so a message never follows a MUTE or BAN on the feed.
func (p *Pipeline) Send(ctx context.Context, s session.ChatSession, rawBody string) (SendResult, error) {
	now := p.now()
	if s.Expired(now) {
		return SendResult{}, apperrors.ErrSessionExpired
	}
	if !s.CanChat {
		return SendResult{}, apperrors.ChatDisabled(s.Reason)
	}
	if err := p.checkSanctions(ctx, s.StreamID, s.UserID, now); err != nil {
		return SendResult{}, err
	}
	body, err := channel.NormalizeBody(rawBody)
	if err != nil {
		return SendResult{}, err
	}

	decision := p.limiter.Allow(limiterKey(s.UserID))
	if !decision.Allowed {
		code := apperrors.CodeRateLimited
		msg := "too many messages, slow down"
		if decision.Reason == ratelimit.ReasonDebounced {
			code = apperrors.CodeDebounced
			msg = "sending too fast"
		}
		return SendResult{}, apperrors.RateLimited(code, msg, decision.Remaining, decision.RetryAfter)
	}

	// id generation, append and publish share the stream lock so broadcast order is id order
	unlock := p.locks.Lock(s.StreamID)
	defer unlock()
	if err := p.checkSanctions(ctx, s.StreamID, s.UserID, now); err != nil {
		return SendResult{}, err
	}

	// CreatedAt follows the pipeline clock; ordering and cursors use the id
	id := p.node.Generate()
	msg := channel.ChatMessage{
		ID:         id,
		StreamID:   s.StreamID,
		SenderID:   s.UserID,
		SenderRole: s.Role,
		Body:       body,
		CreatedAt:  now.UTC(),
	}
	if err := p.store.AppendMessage(ctx, msg); err != nil {
		p.log.Error("append message failed", "stream", s.StreamID, "err", err)
		return SendResult{}, apperrors.Transient("message not stored", err)
	}
	p.broker.Publish(pubsub.StreamTopic(s.StreamID), EventMessage, msg)

	return SendResult{Message: msg, Remaining: decision.Remaining}, nil
}

func limiterKey(userID string) string { return "chat:" + userID }

func (p *Pipeline) checkSanctions(ctx context.Context, streamID, userID string, now time.Time) error {
	actions, err := p.store.Sanctions(ctx, streamID, userID)
	if err != nil {
		return apperrors.Transient("sanctions unavailable", err)
	}
	var mutedUntil time.Time
	for _, a := range actions {
		if !a.ActiveAt(now) {
			continue
		}
		if a.Kind == channel.ModerationBan {
			return apperrors.ErrBanned
		}
		if until := a.Until(); until.After(mutedUntil) {
			mutedUntil = until
		}
	}
	if !mutedUntil.IsZero() {
		return apperrors.ErrMuted.WithRetryAfter(mutedUntil.Sub(now))
	}
	return nil
}

// HistoryPage is one backward page, newest message first.
type HistoryPage struct {
	Messages   []channel.ChatMessage `json:"messages"`
	HasMore    bool                  `json:"hasMore"`
	NextBefore snowflake.ID          `json:"nextBefore,omitempty"`
}

// LoadHistory returns visible messages strictly older than before (0 for the latest).
func (p *Pipeline) LoadHistory(ctx context.Context, streamID string, before snowflake.ID, pageSize int) (HistoryPage, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	msgs, err := p.store.ListMessages(ctx, streamID, before, pageSize+1)
	if err != nil {
		return HistoryPage{}, apperrors.Transient("history unavailable", err)
	}
	page := HistoryPage{Messages: msgs}
	if len(msgs) > pageSize {
		page.Messages = msgs[:pageSize]
		page.HasMore = true
		page.NextBefore = page.Messages[pageSize-1].ID
	}
	if page.Messages == nil {
		page.Messages = []channel.ChatMessage{}
	}
	return page, nil
}

// ModerationRequest is what a moderator asks for; the pipeline fills in the rest.
type ModerationRequest struct {
	Kind            channel.ModerationKind `json:"kind"`
	TargetMessageID snowflake.ID           `json:"targetMessageId,omitempty"`
	TargetUserID    string                 `json:"targetUserId,omitempty"`
	DurationSeconds int                    `json:"durationSeconds,omitempty"`
	Reason          string                 `json:"reason,omitempty"`
}

// Moderate applies a moderation action from a privileged session and broadcasts it.
// Deleting an already deleted message is not recorded again but is still broadcast.
func (p *Pipeline) Moderate(ctx context.Context, s session.ChatSession, req ModerationRequest) (channel.ModerationAction, error) {
	now := p.now()
	if s.Expired(now) {
		return channel.ModerationAction{}, apperrors.ErrSessionExpired
	}
	if !s.Privileged {
		return channel.ModerationAction{}, apperrors.ErrNotAuthorized
	}

	action := channel.ModerationAction{
		ID:              uuid.NewString(),
		StreamID:        s.StreamID,
		Kind:            req.Kind,
		TargetMessageID: req.TargetMessageID,
		TargetUserID:    req.TargetUserID,
		ActorID:         s.UserID,
		Reason:          req.Reason,
		DurationSeconds: req.DurationSeconds,
		CreatedAt:       now,
	}
	if action.Kind == channel.ModerationBan {
		action.DurationSeconds = 0
	}
	if err := action.Validate(); err != nil {
		return channel.ModerationAction{}, err
	}

	record := true
	switch action.Kind {
	case channel.ModerationDelete:
		msg, ok, err := p.store.GetMessage(ctx, s.StreamID, action.TargetMessageID)
		if err != nil {
			return channel.ModerationAction{}, apperrors.Transient("load message", err)
		}
		if !ok {
			return channel.ModerationAction{}, apperrors.NotFound("message not found")
		}
		action.TargetUserID = msg.SenderID
		changed, err := p.store.SoftDeleteMessage(ctx, s.StreamID, msg.ID, now)
		if err != nil {
			return channel.ModerationAction{}, apperrors.Transient("delete message", err)
		}
		record = changed
	default:
		if action.TargetUserID == s.UserID {
			return channel.ModerationAction{}, apperrors.InvalidArg(apperrors.CodeInvalidArgument, "cannot sanction yourself")
		}
		if err := p.guardTarget(ctx, s.StreamID, action.TargetUserID); err != nil {
			return channel.ModerationAction{}, err
		}
	}

	unlock := p.locks.Lock(s.StreamID)
	defer unlock()
	if record {
		if err := p.store.AppendModeration(ctx, action); err != nil {
			return channel.ModerationAction{}, apperrors.Transient("moderation not stored", err)
		}
	}
	p.broker.Publish(pubsub.StreamTopic(s.StreamID), EventModeration, action)
	p.log.Info("moderation applied", "stream", s.StreamID, "kind", action.Kind, "actor", s.UserID, "target", action.TargetUserID)
	return action, nil
}

func (p *Pipeline) guardTarget(ctx context.Context, streamID, userID string) error {
	if p.directory == nil || p.lifecycle == nil {
		return nil
	}
	user, ok, err := p.directory.Lookup(ctx, userID)
	if err != nil {
		return apperrors.Transient("identity lookup failed", err)
	}
	if !ok {
		return nil
	}
	stream, ok, err := p.lifecycle.GetStreamStatus(ctx, streamID)
	if err != nil {
		return apperrors.Transient("stream status unavailable", err)
	}
	if ok && user.Role.PrivilegedFor(user.ID, stream.CreatorID) {
		return apperrors.Denied(apperrors.CodeNotAuthorized, "privileged users cannot be sanctioned")
	}
	return nil
}

// Subscribe attaches to the live feed of a stream.
func (p *Pipeline) Subscribe(streamID string, buffer int) *pubsub.Subscription {
	return p.broker.Subscribe(pubsub.StreamTopic(streamID), buffer)
}

// Remaining reports how many sends userID has left in the current window.
func (p *Pipeline) Remaining(userID string) int {
	return p.limiter.Remaining(limiterKey(userID))
}
