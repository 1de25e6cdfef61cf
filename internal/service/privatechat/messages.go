package privatechat

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-live/backend/internal/model/channel"
	model "github.com/zhouzirui/z-live/backend/internal/model/privatechat"
	"github.com/zhouzirui/z-live/backend/internal/service/ratelimit"
	apperrors "github.com/zhouzirui/z-live/backend/pkg/errors"
	"github.com/zhouzirui/z-live/backend/pkg/keylock"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// SendMessage appends a direct message to an accepted conversation. The body and rate
// rules are the same as public chat, on a separate allowance.
func (e *Engine) SendMessage(ctx context.Context, senderID, receiverID, rawBody string) (model.PrivateMessage, error) {
	if senderID == receiverID {
		return model.PrivateMessage{}, apperrors.InvalidArg(apperrors.CodeInvalidArgument, "cannot message yourself")
	}
	link, err := e.requireLink(ctx, senderID, receiverID)
	if err != nil {
		return model.PrivateMessage{}, err
	}
	body, err := channel.NormalizeBody(rawBody)
	if err != nil {
		return model.PrivateMessage{}, err
	}

	decision := e.limiter.Allow("dm:" + senderID)
	if !decision.Allowed {
		code := apperrors.CodeRateLimited
		if decision.Reason == ratelimit.ReasonDebounced {
			code = apperrors.CodeDebounced
		}
		return model.PrivateMessage{}, apperrors.RateLimited(code, "too many messages, slow down", decision.Remaining, decision.RetryAfter)
	}

	streamID := model.GlobalStream
	if req, ok, err := e.store.GetRequest(ctx, link.RequestID); err == nil && ok {
		streamID = req.StreamID
	}

	// append and publish under the pair lock so both sides see conversation order
	unlock := e.locks.Lock(keylock.PairKey(senderID, receiverID))
	defer unlock()

	msg, err := e.store.AppendPrivateMessage(ctx, model.PrivateMessage{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		StreamID:   streamID,
		Body:       body,
		CreatedAt:  e.now(),
	})
	if err != nil {
		return model.PrivateMessage{}, apperrors.Transient("message not stored", err)
	}
	e.publish(receiverID, EventMessage, msg)
	e.publish(senderID, EventMessage, msg)
	return msg, nil
}

func (e *Engine) requireLink(ctx context.Context, userID, partnerID string) (model.Link, error) {
	link, ok, err := e.store.GetLink(ctx, userID, partnerID)
	if err != nil {
		return model.Link{}, apperrors.Transient("load conversation", err)
	}
	if !ok {
		return model.Link{}, apperrors.ErrNoConversation
	}
	return link, nil
}

// ListConversations returns the accepted conversations of userID, most recent activity first.
func (e *Engine) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	links, err := e.store.ListLinks(ctx, userID)
	if err != nil {
		return nil, apperrors.Transient("list conversations", err)
	}

	out := make([]model.Conversation, 0, len(links))
	for _, l := range links {
		partnerID := l.Partner(userID)
		conv := model.Conversation{PartnerID: partnerID, PartnerName: partnerID, EstablishedAt: l.EstablishedAt}
		if u, ok, err := e.directory.Lookup(ctx, partnerID); err != nil {
			return nil, apperrors.Transient("identity lookup failed", err)
		} else if ok {
			conv.PartnerName = u.Name
			conv.PartnerRole = u.Role
		}
		conv.UnreadCount, conv.LastMessageAt, err = e.store.ConversationStats(ctx, userID, partnerID)
		if err != nil {
			return nil, apperrors.Transient("conversation stats", err)
		}
		out = append(out, conv)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ki, kj := out[i].SortKey(), out[j].SortKey()
		if ki.Equal(kj) {
			return out[i].PartnerID < out[j].PartnerID
		}
		return ki.After(kj)
	})
	return out, nil
}

// MessagePage is a window of one conversation, oldest message first.
type MessagePage struct {
	Messages   []model.PrivateMessage `json:"messages"`
	HasMore    bool                   `json:"hasMore"`
	NextBefore int64                  `json:"nextBefore,omitempty"`
}

// ListMessages pages a conversation backward from before (0 for the latest).
func (e *Engine) ListMessages(ctx context.Context, userID, partnerID string, before int64, limit int) (MessagePage, error) {
	if _, err := e.requireLink(ctx, userID, partnerID); err != nil {
		return MessagePage{}, err
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	msgs, err := e.store.ListPrivateMessages(ctx, userID, partnerID, before, limit+1)
	if err != nil {
		return MessagePage{}, apperrors.Transient("list messages", err)
	}
	page := MessagePage{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[1:]
		page.HasMore = true
		page.NextBefore = page.Messages[0].Seq
	}
	if page.Messages == nil {
		page.Messages = []model.PrivateMessage{}
	}
	return page, nil
}

// ReadReceipt tells a sender that their messages were read.
type ReadReceipt struct {
	ReaderID string    `json:"readerId"`
	Count    int       `json:"count"`
	ReadAt   time.Time `json:"readAt"`
}

// MarkRead marks every unread message from partnerID to userID as read.
func (e *Engine) MarkRead(ctx context.Context, userID, partnerID string) (int, error) {
	if _, err := e.requireLink(ctx, userID, partnerID); err != nil {
		return 0, err
	}
	now := e.now()
	n, err := e.store.MarkRead(ctx, userID, partnerID, now)
	if err != nil {
		return 0, apperrors.Transient("mark read", err)
	}
	if n > 0 {
		e.publish(partnerID, EventMessagesRead, ReadReceipt{ReaderID: userID, Count: n, ReadAt: now})
	}
	return n, nil
}
