package privatechat

import (
	"time"

	"github.com/zhouzirui/z-live/backend/internal/model/identity"
)

// PrivateMessage is one direct message inside an accepted conversation. Seq is assigned
// by the store and orders messages within a conversation.
type PrivateMessage struct {
	ID         string     `json:"id"`
	Seq        int64      `json:"seq"`
	SenderID   string     `json:"senderId"`
	ReceiverID string     `json:"receiverId"`
	StreamID   string     `json:"streamId"`
	Body       string     `json:"body"`
	CreatedAt  time.Time  `json:"createdAt"`
	ReadAt     *time.Time `json:"readAt,omitempty"`
}

// Conversation is the derived view of an accepted pair from one participant's side.
type Conversation struct {
	PartnerID     string        `json:"partnerId"`
	PartnerName   string        `json:"partnerName"`
	PartnerRole   identity.Role `json:"partnerRole"`
	UnreadCount   int           `json:"unreadCount"`
	LastMessageAt *time.Time    `json:"lastMessageAt,omitempty"`
	EstablishedAt time.Time     `json:"establishedAt"`
}

// SortKey orders conversations by latest activity, falling back to acceptance time.
func (c Conversation) SortKey() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.EstablishedAt
}

// Link is the stored fact that two users have an accepted conversation.
type Link struct {
	UserA         string    `json:"userA"`
	UserB         string    `json:"userB"`
	RequestID     string    `json:"requestId"`
	EstablishedAt time.Time `json:"establishedAt"`
}

// Partner returns the other participant from userID's point of view.
func (l Link) Partner(userID string) string {
	if l.UserA == userID {
		return l.UserB
	}
	return l.UserA
}
