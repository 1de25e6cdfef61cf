package billing

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	model "github.com/zhouzirui/z-live/backend/internal/model/billing"
	"github.com/zhouzirui/z-live/backend/internal/service/wallet"
	apperrors "github.com/zhouzirui/z-live/backend/pkg/errors"
	"github.com/zhouzirui/z-live/backend/pkg/logger"
)

type State string

const (
	StateRunning State = "running"
	StateHalted  State = "halted"
	StateStopped State = "stopped"
)

// maxRetryWindows caps how many transiently failed windows a meter carries forward.
const maxRetryWindows = 5

type MeterOptions struct {
	// Interval between ticks; defaults to the biller window.
	Interval time.Duration
	// Buffer of the results channel. Results beyond it are dropped, oldest first.
	Buffer int
	// Watcher resumes halted meters when the viewer's balance goes up.
	Watcher wallet.BalanceWatcher
	// NewTicker replaces time.NewTicker, mainly for tests.
	NewTicker func(d time.Duration) (<-chan time.Time, func())
	Logger    *logger.Logger
}

// Meter starts one billing loop per viewing session.
type Meter struct {
	biller *Biller
	opts   MeterOptions
	log    *logger.Logger
}

func NewMeter(biller *Biller, opts MeterOptions) *Meter {
	if opts.Interval <= 0 {
		opts.Interval = biller.Window()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 8
	}
	if opts.NewTicker == nil {
		opts.NewTicker = func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		}
	}
	return &Meter{biller: biller, opts: opts, log: logger.OrNop(opts.Logger).With("component", "meter")}
}

// MeterSession is a running billing loop for one viewer on one stream.
type MeterSession struct {
	viewerID string
	streamID string
	meter    *Meter

	state   atomic.Value
	results chan model.Result
	resume  chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// Start charges the current window right away, then once per interval until Stop, ctx
// cancellation or the stream ending.
func (m *Meter) Start(ctx context.Context, viewerID, streamID string) *MeterSession {
	ctx, cancel := context.WithCancel(ctx)
	s := &MeterSession{
		viewerID: viewerID,
		streamID: streamID,
		meter:    m,
		results:  make(chan model.Result, m.opts.Buffer),
		resume:   make(chan struct{}, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.state.Store(StateRunning)
	go s.run(ctx)
	return s
}

// Results delivers every tick outcome. It is closed when the loop exits.
func (s *MeterSession) Results() <-chan model.Result { return s.results }

func (s *MeterSession) State() State { return s.state.Load().(State) }

// Done is closed once the loop has exited.
func (s *MeterSession) Done() <-chan struct{} { return s.done }

// Resume asks a halted loop to try again, e.g. after the viewer topped up.
func (s *MeterSession) Resume() {
	select {
	case s.resume <- struct{}{}:
	default:
	}
}

// Stop cancels the loop and waits for it. An in-flight charge completes; no tick follows.
func (s *MeterSession) Stop() {
	s.cancel()
	<-s.done
}

func (s *MeterSession) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.results)
	defer s.state.Store(StateStopped)

	var balanceC <-chan decimal.Decimal
	if w := s.meter.opts.Watcher; w != nil {
		c, stop := w.WatchBalance(s.viewerID)
		defer stop()
		balanceC = c
	}
	tickC, stopTicker := s.meter.opts.NewTicker(s.meter.opts.Interval)
	defer stopTicker()

	var retry []time.Time
	if !s.evaluate(ctx, &retry) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tickC:
			if s.State() == StateHalted {
				continue
			}
		case <-s.resume:
			if s.State() != StateHalted {
				continue
			}
		case balance := <-balanceC:
			if s.State() != StateHalted || balance.LessThan(s.meter.biller.Rate()) {
				continue
			}
		}
		s.state.Store(StateRunning)
		if !s.evaluate(ctx, &retry) {
			return
		}
	}
}

// evaluate retries carried windows, then charges the current one. It returns false when
// the loop should end.
func (s *MeterSession) evaluate(ctx context.Context, retry *[]time.Time) bool {
	if ctx.Err() != nil {
		return false
	}
	// charges run to completion even if Stop lands mid-call
	chargeCtx := context.WithoutCancel(ctx)
	current := s.meter.biller.CurrentWindow()

	windows := append(*retry, current)
	if n := len(*retry); n > 0 && (*retry)[n-1].Equal(current) {
		windows = *retry
	}
	var failed []time.Time
	for _, w := range windows {
		if ctx.Err() != nil {
			return false
		}
		res, err := s.meter.biller.ChargeTick(chargeCtx, s.viewerID, s.streamID, w)
		if err != nil {
			if apperrors.KindOf(err) == apperrors.KindTransient {
				failed = append(failed, w)
			}
			s.meter.log.Warn("billing tick failed", "viewer", s.viewerID, "stream", s.streamID, "window", w, "err", err)
			continue
		}
		if res.Outcome == model.OutcomeInsufficientFunds {
			s.state.Store(StateHalted)
		}
		s.emit(res)

		switch {
		case res.Outcome == model.OutcomeInsufficientFunds:
			*retry = nil
			return true
		case res.Outcome == model.OutcomeNoop && (res.Reason == model.ReasonEnded || res.Reason == model.ReasonUnknown):
			return false
		}
	}
	if len(failed) > maxRetryWindows {
		failed = failed[len(failed)-maxRetryWindows:]
	}
	*retry = failed
	return ctx.Err() == nil
}

func (s *MeterSession) emit(res model.Result) {
	for {
		select {
		case s.results <- res:
			return
		default:
		}
		select {
		case <-s.results:
		default:
		}
	}
}
