package channel

import (
	"time"

	"github.com/bwmarrin/snowflake"

	apperrors "github.com/zhouzirui/z-live/backend/pkg/errors"
)

type ModerationKind string

const (
	ModerationDelete ModerationKind = "DELETE"
	ModerationMute   ModerationKind = "MUTE"
	ModerationBan    ModerationKind = "BAN"
)

// ModerationAction records one applied moderation decision.
type ModerationAction struct {
	ID              string         `json:"id"`
	StreamID        string         `json:"streamId"`
	Kind            ModerationKind `json:"kind"`
	TargetMessageID snowflake.ID   `json:"targetMessageId,omitempty"`
	TargetUserID    string         `json:"targetUserId,omitempty"`
	ActorID         string         `json:"actorId"`
	Reason          string         `json:"reason,omitempty"`
	DurationSeconds int            `json:"durationSeconds,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// Validate checks the fields each kind requires.
func (a ModerationAction) Validate() error {
	switch a.Kind {
	case ModerationDelete:
		if a.TargetMessageID == 0 {
			return apperrors.InvalidArg(apperrors.CodeInvalidArgument, "targetMessageId is required for DELETE")
		}
	case ModerationMute:
		if a.TargetUserID == "" {
			return apperrors.InvalidArg(apperrors.CodeInvalidArgument, "targetUserId is required for MUTE")
		}
		if a.DurationSeconds <= 0 {
			return apperrors.InvalidArg(apperrors.CodeInvalidArgument, "durationSeconds must be positive for MUTE")
		}
	case ModerationBan:
		if a.TargetUserID == "" {
			return apperrors.InvalidArg(apperrors.CodeInvalidArgument, "targetUserId is required for BAN")
		}
	default:
		return apperrors.InvalidArg(apperrors.CodeInvalidArgument, "unknown moderation kind")
	}
	return nil
}

// Until returns when a MUTE lapses. BAN and DELETE have no end.
func (a ModerationAction) Until() time.Time {
	if a.Kind != ModerationMute {
		return time.Time{}
	}
	return a.CreatedAt.Add(time.Duration(a.DurationSeconds) * time.Second)
}

// ActiveAt reports whether a sanction still suppresses the target's sends.
func (a ModerationAction) ActiveAt(now time.Time) bool {
	switch a.Kind {
	case ModerationBan:
		return true
	case ModerationMute:
		return now.Before(a.Until())
	default:
		return false
	}
}
