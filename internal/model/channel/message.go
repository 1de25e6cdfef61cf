package channel

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"

	"github.com/zhouzirui/z-live/backend/internal/model/identity"
	apperrors "github.com/zhouzirui/z-live/backend/pkg/errors"
)

// MaxBodyLength bounds public and private message bodies, counted in characters.
const MaxBodyLength = 500

// ChatMessage is one public message in a stream channel. IDs are snowflakes so
// ordering by (CreatedAt, ID) is the same as ordering by ID.
type ChatMessage struct {
	ID         snowflake.ID  `json:"id"`
	StreamID   string        `json:"streamId"`
	SenderID   string        `json:"senderId"`
	SenderRole identity.Role `json:"senderRole"`
	Body       string        `json:"body"`
	CreatedAt  time.Time     `json:"createdAt"`
	DeletedAt  *time.Time    `json:"deletedAt,omitempty"`
}

// Deleted reports whether moderation removed the message.
func (m ChatMessage) Deleted() bool {
	return m.DeletedAt != nil
}

// NormalizeBody trims the body and enforces the length bounds.
func NormalizeBody(raw string) (string, error) {
	body := strings.TrimSpace(raw)
	if body == "" {
		return "", apperrors.ErrBodyEmpty
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return "", apperrors.ErrBodyTooLong
	}
	return body, nil
}

// CreatedAtFromID derives the creation time embedded in a snowflake.
func CreatedAtFromID(id snowflake.ID) time.Time {
	return time.UnixMilli(id.Time()).UTC()
}
