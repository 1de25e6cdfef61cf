package session

import (
	"time"

	"github.com/zhouzirui/z-live/backend/internal/model/identity"
)

// ChatSession is the immutable grant issued on join. A new join replaces it; it is never
// mutated in place.
type ChatSession struct {
	ID         string        `json:"id"`
	StreamID   string        `json:"streamId"`
	UserID     string        `json:"userId"`
	Role       identity.Role `json:"role"`
	Privileged bool          `json:"privileged"`
	CanChat    bool          `json:"canChat"`
	CanView    bool          `json:"canView"`
	Reason     string        `json:"reason,omitempty"`
	IssuedAt   time.Time     `json:"issuedAt"`
	ExpiresAt  time.Time     `json:"expiresAt"`
}

// Expired reports whether the session is no longer usable at now.
func (s ChatSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
