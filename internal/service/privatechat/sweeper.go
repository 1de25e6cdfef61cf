package privatechat

import (
	"context"
	"time"

	model "github.com/zhouzirui/z-live/backend/internal/model/privatechat"
	apperrors "github.com/zhouzirui/z-live/backend/pkg/errors"
	"github.com/zhouzirui/z-live/backend/pkg/keylock"
)

// SweepExpired persists EXPIRED on every PENDING request past its TTL. Reads already
// report those requests as expired; the sweep keeps stored rows in step.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	now := e.now()
	stale, err := e.store.PendingCreatedBefore(ctx, now.Add(-e.ttl))
	if err != nil {
		return 0, apperrors.Transient("list stale requests", err)
	}

	expired := 0
	for _, r := range stale {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		unlock := e.locks.Lock(keylock.PairKey(r.SenderID, r.ReceiverID))
		ok, err := e.store.TransitionRequest(ctx, r.ID, model.StatusPending, model.StatusExpired, now)
		unlock()
		if err != nil {
			return expired, apperrors.Transient("expire chat request", err)
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// RunSweeper 定时清理过期请求，直到 ctx 取消
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.SweepExpired(ctx)
			if err != nil && ctx.Err() == nil {
				e.log.Warn("sweep expired requests failed", "err", err)
				continue
			}
			if n > 0 {
				e.log.Info("expired chat requests", "count", n)
			}
		}
	}
}
