// Package billing charges viewers per watched window and drives the per-viewer meter loop.
package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	model "github.com/zhouzirui/z-live/backend/internal/model/billing"
	"github.com/zhouzirui/z-live/backend/internal/service/lifecycle"
	"github.com/zhouzirui/z-live/backend/internal/service/presence"
	"github.com/zhouzirui/z-live/backend/internal/service/wallet"
	"github.com/zhouzirui/z-live/backend/internal/store"
	apperrors "github.com/zhouzirui/z-live/backend/pkg/errors"
	"github.com/zhouzirui/z-live/backend/pkg/keylock"
	"github.com/zhouzirui/z-live/backend/pkg/logger"
)

type Options struct {
	Ticks     store.Ticks
	Wallet    wallet.Gateway
	Lifecycle lifecycle.Lifecycle
	// Presence is optional; without it every viewer counts as connected.
	Presence presence.Checker
	// Rate is debited once per Window.
	Rate       decimal.Decimal
	Window     time.Duration
	LowBalance decimal.Decimal
	Now        func() time.Time
	Logger     *logger.Logger
}

// Biller evaluates one billing window at a time. Calls for the same viewer and stream
// are serialized; distinct pairs run in parallel.
type Biller struct {
	ticks      store.Ticks
	wallet     wallet.Gateway
	lifecycle  lifecycle.Lifecycle
	presence   presence.Checker
	rate       decimal.Decimal
	window     time.Duration
	lowBalance decimal.Decimal
	now        func() time.Time
	locks      *keylock.Arena
	log        *logger.Logger

	mu       sync.Mutex
	admitted map[string]admission
}

// admission marks a window that passed the stream and presence gates. Until its tick is
// recorded, retries skip the gates so a debit already taken is always completed.
// A window whose gate check failed transiently is held with gated unset; its retry
// runs the gates again even after the window has closed.
type admission struct {
	creatorID string
	window    time.Time
	gated     bool
}

// admittedRetention bounds how long an unfinished window stays retryable.
const admittedRetention = 10

func NewBiller(opts Options) (*Biller, error) {
	if opts.Ticks == nil || opts.Wallet == nil || opts.Lifecycle == nil {
		return nil, errors.New("billing: ticks, wallet and lifecycle are required")
	}
	if !opts.Rate.IsPositive() {
		return nil, errors.New("billing: rate must be positive")
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Biller{
		ticks:      opts.Ticks,
		wallet:     opts.Wallet,
		lifecycle:  opts.Lifecycle,
		presence:   opts.Presence,
		rate:       opts.Rate,
		window:     opts.Window,
		lowBalance: opts.LowBalance,
		now:        opts.Now,
		locks:      keylock.New(),
		log:        logger.OrNop(opts.Logger).With("component", "billing"),
		admitted:   make(map[string]admission),
	}, nil
}

func (b *Biller) Rate() decimal.Decimal    { return b.rate }
func (b *Biller) Window() time.Duration    { return b.window }
func (b *Biller) CurrentWindow() time.Time { return model.WindowStart(b.now(), b.window) }

// ChargeTick charges viewerID for the window starting at windowStart (zero means the
// current window). Retrying a window never debits twice: a recorded tick is replayed and
// the wallet deduplicates on the same idempotency key. Only the current window, or an
// admitted or held window still awaiting completion, can be charged.
func (b *Biller) ChargeTick(ctx context.Context, viewerID, streamID string, windowStart time.Time) (model.Result, error) {
	if viewerID == "" || streamID == "" {
		return model.Result{}, apperrors.InvalidArg(apperrors.CodeInvalidArgument, "viewer and stream are required")
	}
	if windowStart.IsZero() {
		windowStart = b.now()
	}
	windowStart = model.WindowStart(windowStart, b.window)
	key := model.IdempotencyKey(viewerID, streamID, windowStart)
	res := model.Result{StreamID: streamID, ViewerID: viewerID, Window: windowStart}

	unlock := b.locks.Lock(keylock.PairKey(viewerID, streamID))
	defer unlock()

	if prior, ok, err := b.ticks.GetTick(ctx, key); err != nil {
		return model.Result{}, apperrors.Transient("load billing tick", err)
	} else if ok {
		return b.charged(res, prior, true), nil
	}

	adm, known := b.admission(key)
	if !known || !adm.gated {
		if !known && !windowStart.Equal(b.CurrentWindow()) {
			return model.Result{}, apperrors.InvalidArg(apperrors.CodeInvalidArgument, "billing window is closed")
		}
		stream, ok, err := b.lifecycle.GetStreamStatus(ctx, streamID)
		if err != nil {
			b.admit(key, admission{window: windowStart})
			return model.Result{}, apperrors.Transient("stream status unavailable", err)
		}
		if reason := noopReason(stream, ok); reason != "" {
			b.forget(key)
			res.Outcome = model.OutcomeNoop
			res.Reason = reason
			return res, nil
		}
		if b.presence != nil && !b.presence.IsWatching(ctx, viewerID, streamID) {
			b.forget(key)
			res.Outcome = model.OutcomeNoop
			res.Reason = model.ReasonDisconnected
			return res, nil
		}
		adm = admission{creatorID: stream.CreatorID, window: windowStart, gated: true}
		b.admit(key, adm)
	}

	debit, err := b.wallet.CheckAndDebit(ctx, viewerID, b.rate, key)
	if err != nil {
		return model.Result{}, apperrors.Transient("wallet debit failed", err)
	}
	if !debit.Debited {
		b.forget(key)
		balance := debit.Remaining
		res.Outcome = model.OutcomeInsufficientFunds
		res.Reason = "insufficient balance"
		res.LowBalance = true
		res.Balance = &balance
		b.log.Info("insufficient funds", "viewer", viewerID, "stream", streamID, "balance", balance.String())
		return res, nil
	}

	earned, err := b.wallet.CreditCreator(ctx, adm.creatorID, b.rate, key)
	if err != nil {
		// the debit is keyed; the retry replays it and completes the credit
		return model.Result{}, apperrors.Transient("creator credit failed", err)
	}

	tick := model.Tick{
		StreamID:         streamID,
		ViewerID:         viewerID,
		WindowStart:      windowStart,
		WindowEnd:        windowStart.Add(b.window),
		TokensCharged:    b.rate,
		ModelEarned:      earned,
		RemainingBalance: debit.Remaining,
		IdempotencyKey:   key,
		CreatedAt:        b.now(),
	}
	if err := b.ticks.PutTick(ctx, tick); err != nil {
		if errors.Is(err, store.ErrConflict) {
			if prior, ok, gerr := b.ticks.GetTick(ctx, key); gerr == nil && ok {
				b.forget(key)
				return b.charged(res, prior, true), nil
			}
		}
		return model.Result{}, apperrors.Transient("record billing tick", err)
	}
	b.forget(key)

	return b.charged(res, tick, debit.Replayed), nil
}

func (b *Biller) charged(res model.Result, tick model.Tick, replayed bool) model.Result {
	res.Outcome = model.OutcomeCharged
	res.Tick = &tick
	res.Replayed = replayed
	res.LowBalance = b.isLow(tick.RemainingBalance)
	return res
}

// isLow warns while one more window can still be paid, so the UI can prompt a top-up.
func (b *Biller) isLow(balance decimal.Decimal) bool {
	return balance.LessThan(b.lowBalance) || balance.LessThan(b.rate)
}

func (b *Biller) admission(key string) (admission, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.admitted[key]
	return a, ok
}

func (b *Biller) admit(key string, a admission) {
	cutoff := a.window.Add(-admittedRetention * b.window)
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, old := range b.admitted {
		if old.window.Before(cutoff) {
			delete(b.admitted, k)
		}
	}
	b.admitted[key] = a
}

func (b *Biller) forget(key string) {
	b.mu.Lock()
	delete(b.admitted, key)
	b.mu.Unlock()
}

func noopReason(s lifecycle.Stream, found bool) string {
	switch {
	case !found:
		return model.ReasonUnknown
	case s.Status == lifecycle.StatusEnded:
		return model.ReasonEnded
	case s.Status != lifecycle.StatusLive:
		return model.ReasonNotLive
	case s.Paused:
		return model.ReasonPaused
	case !s.Billable():
		return model.ReasonNotLive
	default:
		return ""
	}
}
