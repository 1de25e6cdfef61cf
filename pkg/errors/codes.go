package errors

// Kind groups failures by how a caller is expected to react to them.
type Kind string

const (
	// KindPolicyDenied is terminal for the given input and never retried automatically.
	KindPolicyDenied Kind = "POLICY_DENIED"
	// KindRateLimited clears once the sender's window frees up.
	KindRateLimited Kind = "RATE_LIMITED"
	// KindInsufficientFunds halts a single flow without ending the session.
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	// KindTransient covers storage and network faults; callers retry with bounded attempts.
	KindTransient Kind = "TRANSIENT"
	// KindInvariant signals a concurrency or programming bug.
	KindInvariant       Kind = "INVARIANT_VIOLATION"
	KindInvalidArgument Kind = "INVALID_ARGUMENT"
	KindNotFound        Kind = "NOT_FOUND"
	KindUnauthenticated Kind = "UNAUTHENTICATED"
)

// Code is the structured reason surfaced to the UI.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// gating
	CodeChatDisabled      Code = "CHAT_DISABLED"
	CodeSessionExpired    Code = "SESSION_EXPIRED"
	CodeSessionSuperseded Code = "SESSION_SUPERSEDED"
	CodeInvalidToken      Code = "INVALID_TOKEN"
	CodeNotAuthorized     Code = "NOT_AUTHORIZED"

	// channel
	CodeMuted       Code = "MUTED"
	CodeBanned      Code = "BANNED"
	CodeDebounced   Code = "DEBOUNCED"
	CodeRateLimited Code = "RATE_LIMITED"
	CodeBodyEmpty   Code = "BODY_EMPTY"
	CodeBodyTooLong Code = "BODY_TOO_LONG"

	// private conversations
	CodeAlreadyPending      Code = "ALREADY_PENDING"
	CodeIncomingPending     Code = "INCOMING_PENDING"
	CodeAlreadyConversation Code = "ALREADY_CONVERSATION"
	CodeNotReceiver         Code = "NOT_RECEIVER"
	CodeNotPending          Code = "NOT_PENDING"
	CodeNoConversation      Code = "NO_CONVERSATION"

	// billing
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"

	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeStorage         Code = "STORAGE_UNAVAILABLE"
	CodeUpstream        Code = "UPSTREAM_UNAVAILABLE"
	CodeInvariant       Code = "INVARIANT_VIOLATION"
)
