package sqlstore

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/zhouzirui/z-live/backend/internal/model/billing"
	"github.com/zhouzirui/z-live/backend/internal/store"
)

const tickColumns = `idempotency_key, stream_id, viewer_id, window_start, window_end, tokens_charged, model_earned, remaining_balance, created_at`

func scanTick(row rowScanner) (billing.Tick, error) {
	var (
		t                     billing.Tick
		start, end, createdAt int64
	)
	if err := row.Scan(&t.IdempotencyKey, &t.StreamID, &t.ViewerID, &start, &end,
		&t.TokensCharged, &t.ModelEarned, &t.RemainingBalance, &createdAt); err != nil {
		return billing.Tick{}, err
	}
	t.WindowStart = fromNanos(start)
	t.WindowEnd = fromNanos(end)
	t.CreatedAt = fromNanos(createdAt)
	return t, nil
}

func (s *SQLStore) GetTick(ctx context.Context, key string) (billing.Tick, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tickColumns+` FROM billing_ticks WHERE idempotency_key = ?`, key)
	t, err := scanTick(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Tick{}, false, nil
	}
	if err != nil {
		return billing.Tick{}, false, errors.Wrap(err, "store.GetTick: ")
	}
	return t, true, nil
}

func (s *SQLStore) PutTick(ctx context.Context, t billing.Tick) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_ticks (`+tickColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.IdempotencyKey, t.StreamID, t.ViewerID, toNanos(t.WindowStart), toNanos(t.WindowEnd),
		t.TokensCharged, t.ModelEarned, t.RemainingBalance, toNanos(t.CreatedAt))
	if isConflict(err) {
		return store.ErrConflict
	}
	return errors.Wrap(err, "store.PutTick: ")
}

func (s *SQLStore) ListTicks(ctx context.Context, viewerID, streamID string) ([]billing.Tick, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tickColumns+` FROM billing_ticks
		WHERE viewer_id = ? AND stream_id = ? ORDER BY seq`, viewerID, streamID)
	if err != nil {
		return nil, errors.Wrap(err, "store.ListTicks: ")
	}
	defer rows.Close()

	var out []billing.Tick
	for rows.Next() {
		t, err := scanTick(rows)
		if err != nil {
			return nil, errors.Wrap(err, "store.ListTicks.Scan: ")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "store.ListTicks.Rows: ")
}
