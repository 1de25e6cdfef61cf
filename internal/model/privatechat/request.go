package privatechat

import "time"

// GlobalStream is the stream context of cross-stream direct messages.
const GlobalStream = "global"

// DefaultRequestTTL is how long a request may stay PENDING.
const DefaultRequestTTL = 7 * 24 * time.Hour

type RequestStatus string

const (
	StatusNone     RequestStatus = "NONE"
	StatusPending  RequestStatus = "PENDING"
	StatusAccepted RequestStatus = "ACCEPTED"
	StatusRejected RequestStatus = "REJECTED"
	StatusExpired  RequestStatus = "EXPIRED"
)

// CanTransition reports whether a stored request may move from s to next.
// Only PENDING rows change; REJECTED and EXPIRED are superseded by a new row.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	switch s {
	case StatusNone:
		return next == StatusPending
	case StatusPending:
		return next == StatusAccepted || next == StatusRejected || next == StatusExpired
	default:
		return false
	}
}

type ChatRequest struct {
	ID             string        `json:"id"`
	StreamID       string        `json:"streamId"`
	SenderID       string        `json:"senderId"`
	ReceiverID     string        `json:"receiverId"`
	InitialMessage *string       `json:"initialMessage,omitempty"`
	Status         RequestStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	DecidedAt      *time.Time    `json:"decidedAt,omitempty"`
}

// EffectiveStatus applies lazy expiry: a PENDING request older than ttl reads as EXPIRED.
func (r ChatRequest) EffectiveStatus(now time.Time, ttl time.Duration) RequestStatus {
	if r.Status == StatusPending && now.Sub(r.CreatedAt) > ttl {
		return StatusExpired
	}
	return r.Status
}

// ExpiresAt is when a PENDING request lapses.
func (r ChatRequest) ExpiresAt(ttl time.Duration) time.Time {
	return r.CreatedAt.Add(ttl)
}
