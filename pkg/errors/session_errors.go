package errors

var (
	// Domain errors shared by services and handlers
	ErrSessionExpired      = Unauthenticated(CodeSessionExpired, "session expired")
	ErrSessionSuperseded   = Unauthenticated(CodeSessionSuperseded, "session replaced by a newer join")
	ErrInvalidToken        = Unauthenticated(CodeInvalidToken, "invalid session token")
	ErrNotAuthorized       = Denied(CodeNotAuthorized, "not authorized for this stream")
	ErrBanned              = Denied(CodeBanned, "you are banned from this chat")
	ErrMuted               = Denied(CodeMuted, "you are muted")
	ErrBodyEmpty           = InvalidArg(CodeBodyEmpty, "message body is empty")
	ErrBodyTooLong         = InvalidArg(CodeBodyTooLong, "message body exceeds 500 characters")
	ErrAlreadyPending      = Denied(CodeAlreadyPending, "a chat request is already pending")
	ErrIncomingPending     = Denied(CodeIncomingPending, "this user already sent you a chat request")
	ErrAlreadyConversation = Denied(CodeAlreadyConversation, "conversation already exists")
	ErrNotReceiver         = Denied(CodeNotReceiver, "only the receiver may decide this request")
	ErrNotPending          = Denied(CodeNotPending, "chat request is no longer pending")
	ErrNoConversation      = Denied(CodeNoConversation, "no accepted conversation with this user")
	ErrInsufficientFunds   = New(KindInsufficientFunds, CodeInsufficientFunds, "insufficient balance")
)

// ChatDisabled carries the gating reason issued with the session.
func ChatDisabled(reason string) *AppError {
	if reason == "" {
		reason = "chat disabled"
	}
	return Denied(CodeChatDisabled, reason)
}
