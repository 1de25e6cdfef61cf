// Package store defines the persistence contracts of the session engine. Every table is
// append-mostly: status and soft-delete fields change, rows are never removed.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/zhouzirui/z-live/backend/internal/model/billing"
	"github.com/zhouzirui/z-live/backend/internal/model/channel"
	"github.com/zhouzirui/z-live/backend/internal/model/privatechat"
	"github.com/zhouzirui/z-live/backend/internal/model/session"
)

// ErrConflict is returned when a write would break a uniqueness rule (a second PENDING
// request for the same pair, a duplicate idempotency key).
var ErrConflict = errors.New("store: conflict")

type Sessions interface {
	// PutSession makes s the current session for (s.UserID, s.StreamID), replacing any other.
	PutSession(ctx context.Context, s session.ChatSession) error
	CurrentSession(ctx context.Context, userID, streamID string) (session.ChatSession, bool, error)
	DeleteSession(ctx context.Context, userID, streamID string) error
}

type Messages interface {
	AppendMessage(ctx context.Context, m channel.ChatMessage) error
	GetMessage(ctx context.Context, streamID string, id snowflake.ID) (channel.ChatMessage, bool, error)
	// SoftDeleteMessage sets deletedAt once; changed is false when it was already set.
	SoftDeleteMessage(ctx context.Context, streamID string, id snowflake.ID, at time.Time) (changed bool, err error)
	// ListMessages returns up to limit visible messages with id < before (before == 0 means
	// latest), newest first.
	ListMessages(ctx context.Context, streamID string, before snowflake.ID, limit int) ([]channel.ChatMessage, error)
}

type Moderation interface {
	AppendModeration(ctx context.Context, a channel.ModerationAction) error
	// Sanctions lists MUTE and BAN actions targeting userID on streamID, oldest first.
	Sanctions(ctx context.Context, streamID, userID string) ([]channel.ModerationAction, error)
}

type Requests interface {
	// CreateRequest fails with ErrConflict when the ordered pair already has a stored PENDING row.
	CreateRequest(ctx context.Context, r privatechat.ChatRequest) error
	GetRequest(ctx context.Context, id string) (privatechat.ChatRequest, bool, error)
	// LatestRequest returns the newest request from senderID to receiverID.
	LatestRequest(ctx context.Context, senderID, receiverID string) (privatechat.ChatRequest, bool, error)
	// TransitionRequest compares-and-swaps the status; ok is false when the row was not in from.
	TransitionRequest(ctx context.Context, id string, from, to privatechat.RequestStatus, at time.Time) (ok bool, err error)
	// AcceptRequest moves a PENDING request to ACCEPTED, records the link and inserts the
	// optional first message as one atomic step.
	AcceptRequest(ctx context.Context, id string, at time.Time, link privatechat.Link, first *privatechat.PrivateMessage) (ok bool, err error)
	// PendingFor lists stored PENDING requests addressed to receiverID, oldest first.
	PendingFor(ctx context.Context, receiverID string) ([]privatechat.ChatRequest, error)
	// PendingCreatedBefore lists every stored PENDING request created before cutoff.
	PendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]privatechat.ChatRequest, error)
}

type Conversations interface {
	GetLink(ctx context.Context, userA, userB string) (privatechat.Link, bool, error)
	ListLinks(ctx context.Context, userID string) ([]privatechat.Link, error)
	// AppendPrivateMessage stores m and returns it with Seq assigned.
	AppendPrivateMessage(ctx context.Context, m privatechat.PrivateMessage) (privatechat.PrivateMessage, error)
	// ListPrivateMessages returns up to limit messages between the pair with seq < before
	// (before == 0 means latest), oldest first.
	ListPrivateMessages(ctx context.Context, userA, userB string, before int64, limit int) ([]privatechat.PrivateMessage, error)
	// ConversationStats reports unread messages addressed to userID from partnerID and the
	// time of the latest message in either direction.
	ConversationStats(ctx context.Context, userID, partnerID string) (unread int, last *time.Time, err error)
	// MarkRead stamps readAt on unread messages from partnerID to readerID.
	MarkRead(ctx context.Context, readerID, partnerID string, at time.Time) (int, error)
}

type Ticks interface {
	GetTick(ctx context.Context, key string) (billing.Tick, bool, error)
	// PutTick fails with ErrConflict when the idempotency key already exists.
	PutTick(ctx context.Context, t billing.Tick) error
	ListTicks(ctx context.Context, viewerID, streamID string) ([]billing.Tick, error)
}

// Store aggregates every table used by the engine.
type Store interface {
	Sessions
	Messages
	Moderation
	Requests
	Conversations
	Ticks
	Close() error
}
