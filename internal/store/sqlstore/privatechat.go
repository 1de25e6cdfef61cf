package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/zhouzirui/z-live/backend/internal/model/privatechat"
	"github.com/zhouzirui/z-live/backend/internal/store"
	"github.com/zhouzirui/z-live/backend/pkg/keylock"
)

const requestColumns = `id, stream_id, sender_id, receiver_id, initial_message, status, created_at, decided_at`

func scanRequest(row rowScanner) (privatechat.ChatRequest, error) {
	var (
		r         privatechat.ChatRequest
		initial   sql.NullString
		status    string
		createdAt int64
		decidedAt sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.StreamID, &r.SenderID, &r.ReceiverID, &initial, &status, &createdAt, &decidedAt); err != nil {
		return privatechat.ChatRequest{}, err
	}
	if initial.Valid {
		msg := initial.String
		r.InitialMessage = &msg
	}
	r.Status = privatechat.RequestStatus(status)
	r.CreatedAt = fromNanos(createdAt)
	r.DecidedAt = timePtr(decidedAt)
	return r, nil
}

func (s *SQLStore) CreateRequest(ctx context.Context, r privatechat.ChatRequest) error {
	var initial sql.NullString
	if r.InitialMessage != nil {
		initial = sql.NullString{String: *r.InitialMessage, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_requests (id, stream_id, sender_id, receiver_id, initial_message, status, created_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StreamID, r.SenderID, r.ReceiverID, initial, string(r.Status), toNanos(r.CreatedAt), nullableNanos(r.DecidedAt))
	if isConflict(err) {
		return store.ErrConflict
	}
	return errors.Wrap(err, "store.CreateRequest: ")
}

func (s *SQLStore) GetRequest(ctx context.Context, id string) (privatechat.ChatRequest, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM chat_requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return privatechat.ChatRequest{}, false, nil
	}
	if err != nil {
		return privatechat.ChatRequest{}, false, errors.Wrap(err, "store.GetRequest: ")
	}
	return r, true, nil
}

func (s *SQLStore) LatestRequest(ctx context.Context, senderID, receiverID string) (privatechat.ChatRequest, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM chat_requests
		WHERE sender_id = ? AND receiver_id = ?
		ORDER BY seq DESC LIMIT 1`, senderID, receiverID)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return privatechat.ChatRequest{}, false, nil
	}
	if err != nil {
		return privatechat.ChatRequest{}, false, errors.Wrap(err, "store.LatestRequest: ")
	}
	return r, true, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func transition(ctx context.Context, db execer, id string, from, to privatechat.RequestStatus, at time.Time) (bool, error) {
	if !from.CanTransition(to) {
		return false, nil
	}
	res, err := db.ExecContext(ctx, `
		UPDATE chat_requests SET status = ?, decided_at = ?
		WHERE id = ? AND status = ?`, string(to), toNanos(at), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) TransitionRequest(ctx context.Context, id string, from, to privatechat.RequestStatus, at time.Time) (bool, error) {
	ok, err := transition(ctx, s.db, id, from, to, at)
	return ok, errors.Wrap(err, "store.TransitionRequest: ")
}

func (s *SQLStore) AcceptRequest(ctx context.Context, id string, at time.Time, link privatechat.Link, first *privatechat.PrivateMessage) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "store.AcceptRequest.Begin: ")
	}
	defer tx.Rollback()

	ok, err := transition(ctx, tx, id, privatechat.StatusPending, privatechat.StatusAccepted, at)
	if err != nil {
		return false, errors.Wrap(err, "store.AcceptRequest.Transition: ")
	}
	if !ok {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_links (pair_key, user_a, user_b, request_id, established_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (pair_key) DO NOTHING`,
		keylock.PairKey(link.UserA, link.UserB), link.UserA, link.UserB, link.RequestID, toNanos(link.EstablishedAt)); err != nil {
		return false, errors.Wrap(err, "store.AcceptRequest.Link: ")
	}

	if first != nil {
		if _, err := insertPrivateMessage(ctx, tx, *first); err != nil {
			return false, errors.Wrap(err, "store.AcceptRequest.FirstMessage: ")
		}
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "store.AcceptRequest.Commit: ")
	}
	return true, nil
}

func (s *SQLStore) queryRequests(ctx context.Context, op, query string, args ...interface{}) ([]privatechat.ChatRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	defer rows.Close()

	var out []privatechat.ChatRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, op+"Scan: ")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), op+"Rows: ")
}

func (s *SQLStore) PendingFor(ctx context.Context, receiverID string) ([]privatechat.ChatRequest, error) {
	return s.queryRequests(ctx, "store.PendingFor: ", `
		SELECT `+requestColumns+` FROM chat_requests
		WHERE receiver_id = ? AND status = 'PENDING'
		ORDER BY created_at, seq`, receiverID)
}

func (s *SQLStore) PendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]privatechat.ChatRequest, error) {
	return s.queryRequests(ctx, "store.PendingCreatedBefore: ", `
		SELECT `+requestColumns+` FROM chat_requests
		WHERE status = 'PENDING' AND created_at < ?
		ORDER BY created_at, seq`, toNanos(cutoff))
}

// conversations

func (s *SQLStore) GetLink(ctx context.Context, userA, userB string) (privatechat.Link, bool, error) {
	var (
		l           privatechat.Link
		established int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_a, user_b, request_id, established_at FROM conversation_links WHERE pair_key = ?`,
		keylock.PairKey(userA, userB)).Scan(&l.UserA, &l.UserB, &l.RequestID, &established)
	if errors.Is(err, sql.ErrNoRows) {
		return privatechat.Link{}, false, nil
	}
	if err != nil {
		return privatechat.Link{}, false, errors.Wrap(err, "store.GetLink: ")
	}
	l.EstablishedAt = fromNanos(established)
	return l, true, nil
}

func (s *SQLStore) ListLinks(ctx context.Context, userID string) ([]privatechat.Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_a, user_b, request_id, established_at FROM conversation_links
		WHERE user_a = ? OR user_b = ?`, userID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "store.ListLinks: ")
	}
	defer rows.Close()

	var out []privatechat.Link
	for rows.Next() {
		var (
			l           privatechat.Link
			established int64
		)
		if err := rows.Scan(&l.UserA, &l.UserB, &l.RequestID, &established); err != nil {
			return nil, errors.Wrap(err, "store.ListLinks.Scan: ")
		}
		l.EstablishedAt = fromNanos(established)
		out = append(out, l)
	}
	return out, errors.Wrap(rows.Err(), "store.ListLinks.Rows: ")
}

func insertPrivateMessage(ctx context.Context, db execer, m privatechat.PrivateMessage) (privatechat.PrivateMessage, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO private_messages (id, pair_key, sender_id, receiver_id, stream_id, body, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, keylock.PairKey(m.SenderID, m.ReceiverID), m.SenderID, m.ReceiverID, m.StreamID, m.Body,
		toNanos(m.CreatedAt), nullableNanos(m.ReadAt))
	if err != nil {
		return privatechat.PrivateMessage{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return privatechat.PrivateMessage{}, err
	}
	m.Seq = seq
	return m, nil
}

func (s *SQLStore) AppendPrivateMessage(ctx context.Context, m privatechat.PrivateMessage) (privatechat.PrivateMessage, error) {
	stored, err := insertPrivateMessage(ctx, s.db, m)
	if isConflict(err) {
		return privatechat.PrivateMessage{}, store.ErrConflict
	}
	if err != nil {
		return privatechat.PrivateMessage{}, errors.Wrap(err, "store.AppendPrivateMessage: ")
	}
	return stored, nil
}

func (s *SQLStore) ListPrivateMessages(ctx context.Context, userA, userB string, before int64, limit int) ([]privatechat.PrivateMessage, error) {
	query := `SELECT seq, id, sender_id, receiver_id, stream_id, body, created_at, read_at
		FROM private_messages WHERE pair_key = ?`
	args := []interface{}{keylock.PairKey(userA, userB)}
	if before > 0 {
		query += ` AND seq < ?`
		args = append(args, before)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store.ListPrivateMessages: ")
	}
	defer rows.Close()

	var out []privatechat.PrivateMessage
	for rows.Next() {
		var (
			m         privatechat.PrivateMessage
			createdAt int64
			readAt    sql.NullInt64
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.SenderID, &m.ReceiverID, &m.StreamID, &m.Body, &createdAt, &readAt); err != nil {
			return nil, errors.Wrap(err, "store.ListPrivateMessages.Scan: ")
		}
		m.CreatedAt = fromNanos(createdAt)
		m.ReadAt = timePtr(readAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "store.ListPrivateMessages.Rows: ")
	}

	// oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLStore) ConversationStats(ctx context.Context, userID, partnerID string) (int, *time.Time, error) {
	var (
		unread int
		last   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN sender_id = ? AND read_at IS NULL THEN 1 ELSE 0 END), 0),
			MAX(created_at)
		FROM private_messages WHERE pair_key = ?`,
		partnerID, keylock.PairKey(userID, partnerID)).Scan(&unread, &last)
	if err != nil {
		return 0, nil, errors.Wrap(err, "store.ConversationStats: ")
	}
	return unread, timePtr(last), nil
}

func (s *SQLStore) MarkRead(ctx context.Context, readerID, partnerID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE private_messages SET read_at = ?
		WHERE pair_key = ? AND sender_id = ? AND read_at IS NULL`,
		toNanos(at), keylock.PairKey(readerID, partnerID), partnerID)
	if err != nil {
		return 0, errors.Wrap(err, "store.MarkRead: ")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "store.MarkRead.RowsAffected: ")
	}
	return int(n), nil
}
