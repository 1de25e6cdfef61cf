package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"

	"github.com/zhouzirui/z-live/backend/internal/model/channel"
	"github.com/zhouzirui/z-live/backend/internal/model/identity"
	"github.com/zhouzirui/z-live/backend/internal/model/session"
	"github.com/zhouzirui/z-live/backend/internal/store"
)

func (s *SQLStore) PutSession(ctx context.Context, cs session.ChatSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (user_id, stream_id, id, role, privileged, can_chat, can_view, reason, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, stream_id) DO UPDATE SET
			id = excluded.id, role = excluded.role, privileged = excluded.privileged,
			can_chat = excluded.can_chat, can_view = excluded.can_view, reason = excluded.reason,
			issued_at = excluded.issued_at, expires_at = excluded.expires_at`,
		cs.UserID, cs.StreamID, cs.ID, string(cs.Role), boolInt(cs.Privileged), boolInt(cs.CanChat),
		boolInt(cs.CanView), cs.Reason, toNanos(cs.IssuedAt), toNanos(cs.ExpiresAt))
	return errors.Wrap(err, "store.PutSession: ")
}

func (s *SQLStore) CurrentSession(ctx context.Context, userID, streamID string) (session.ChatSession, bool, error) {
	var (
		cs                     session.ChatSession
		role                   string
		priv, canChat, canView int
		issuedAt, expiresAt    int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, role, privileged, can_chat, can_view, reason, issued_at, expires_at
		FROM chat_sessions WHERE user_id = ? AND stream_id = ?`, userID, streamID).
		Scan(&cs.ID, &role, &priv, &canChat, &canView, &cs.Reason, &issuedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.ChatSession{}, false, nil
	}
	if err != nil {
		return session.ChatSession{}, false, errors.Wrap(err, "store.CurrentSession: ")
	}

	cs.UserID = userID
	cs.StreamID = streamID
	cs.Role = identity.Role(role)
	cs.Privileged = priv == 1
	cs.CanChat = canChat == 1
	cs.CanView = canView == 1
	cs.IssuedAt = fromNanos(issuedAt)
	cs.ExpiresAt = fromNanos(expiresAt)
	return cs, true, nil
}

func (s *SQLStore) DeleteSession(ctx context.Context, userID, streamID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE user_id = ? AND stream_id = ?`, userID, streamID)
	return errors.Wrap(err, "store.DeleteSession: ")
}

func (s *SQLStore) AppendMessage(ctx context.Context, m channel.ChatMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, stream_id, sender_id, sender_role, body, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID.Int64(), m.StreamID, m.SenderID, string(m.SenderRole), m.Body, toNanos(m.CreatedAt), nullableNanos(m.DeletedAt))
	if isConflict(err) {
		return store.ErrConflict
	}
	return errors.Wrap(err, "store.AppendMessage: ")
}

const messageColumns = `id, stream_id, sender_id, sender_role, body, created_at, deleted_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (channel.ChatMessage, error) {
	var (
		m         channel.ChatMessage
		id        int64
		role      string
		createdAt int64
		deletedAt sql.NullInt64
	)
	if err := row.Scan(&id, &m.StreamID, &m.SenderID, &role, &m.Body, &createdAt, &deletedAt); err != nil {
		return channel.ChatMessage{}, err
	}
	m.ID = snowflake.ID(id)
	m.SenderRole = identity.Role(role)
	m.CreatedAt = fromNanos(createdAt)
	m.DeletedAt = timePtr(deletedAt)
	return m, nil
}

func (s *SQLStore) GetMessage(ctx context.Context, streamID string, id snowflake.ID) (channel.ChatMessage, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE stream_id = ? AND id = ?`, streamID, id.Int64())
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return channel.ChatMessage{}, false, nil
	}
	if err != nil {
		return channel.ChatMessage{}, false, errors.Wrap(err, "store.GetMessage: ")
	}
	return m, true, nil
}

func (s *SQLStore) SoftDeleteMessage(ctx context.Context, streamID string, id snowflake.ID, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_messages SET deleted_at = ?
		WHERE stream_id = ? AND id = ? AND deleted_at IS NULL`, toNanos(at), streamID, id.Int64())
	if err != nil {
		return false, errors.Wrap(err, "store.SoftDeleteMessage: ")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "store.SoftDeleteMessage.RowsAffected: ")
	}
	return n == 1, nil
}

func (s *SQLStore) ListMessages(ctx context.Context, streamID string, before snowflake.ID, limit int) ([]channel.ChatMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE stream_id = ? AND deleted_at IS NULL`
	args := []interface{}{streamID}
	if before > 0 {
		query += ` AND id < ?`
		args = append(args, before.Int64())
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store.ListMessages: ")
	}
	defer rows.Close()

	out := make([]channel.ChatMessage, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "store.ListMessages.Scan: ")
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "store.ListMessages.Rows: ")
}

func (s *SQLStore) AppendModeration(ctx context.Context, a channel.ModerationAction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO moderation_actions (id, stream_id, kind, target_message_id, target_user_id, actor_id, reason, duration_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.StreamID, string(a.Kind), a.TargetMessageID.Int64(), a.TargetUserID, a.ActorID, a.Reason,
		a.DurationSeconds, toNanos(a.CreatedAt))
	if isConflict(err) {
		return store.ErrConflict
	}
	return errors.Wrap(err, "store.AppendModeration: ")
}

func (s *SQLStore) Sanctions(ctx context.Context, streamID, userID string) ([]channel.ModerationAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, target_message_id, actor_id, reason, duration_seconds, created_at
		FROM moderation_actions
		WHERE stream_id = ? AND target_user_id = ? AND kind IN ('MUTE', 'BAN')
		ORDER BY seq`, streamID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "store.Sanctions: ")
	}
	defer rows.Close()

	var out []channel.ModerationAction
	for rows.Next() {
		var (
			a         channel.ModerationAction
			kind      string
			targetMsg int64
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &kind, &targetMsg, &a.ActorID, &a.Reason, &a.DurationSeconds, &createdAt); err != nil {
			return nil, errors.Wrap(err, "store.Sanctions.Scan: ")
		}
		a.StreamID = streamID
		a.TargetUserID = userID
		a.Kind = channel.ModerationKind(kind)
		a.TargetMessageID = snowflake.ID(targetMsg)
		a.CreatedAt = fromNanos(createdAt)
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "store.Sanctions.Rows: ")
}
