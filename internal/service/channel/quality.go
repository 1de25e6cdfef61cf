package channel

import (
	"sync"
	"time"
)

type Quality string

const (
	QualityGood         Quality = "good"
	QualityPoor         Quality = "poor"
	QualityDisconnected Quality = "disconnected"
)

const (
	DefaultPingInterval = 15 * time.Second
	DefaultPoorRTT      = 800 * time.Millisecond
)

type QualityOptions struct {
	PingInterval time.Duration
	PoorRTT      time.Duration
	Now          func() time.Time
}

type liveness struct {
	lastSeen time.Time
	rtt      time.Duration
}

// QualityTracker classifies connections by ping round trips. It is advisory and never
// consulted by Send or Moderate.
type QualityTracker struct {
	mu    sync.Mutex
	opts  QualityOptions
	conns map[string]liveness
}

func NewQualityTracker(opts QualityOptions) *QualityTracker {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PoorRTT <= 0 {
		opts.PoorRTT = DefaultPoorRTT
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &QualityTracker{opts: opts, conns: make(map[string]liveness)}
}

// PingInterval is how often connections are expected to be probed.
func (q *QualityTracker) PingInterval() time.Duration { return q.opts.PingInterval }

// Register starts tracking a connection as if it had just answered.
func (q *QualityTracker) Register(connID string) {
	q.mu.Lock()
	q.conns[connID] = liveness{lastSeen: q.opts.Now()}
	q.mu.Unlock()
}

// Observe records a pong with its measured round trip.
func (q *QualityTracker) Observe(connID string, rtt time.Duration) {
	q.mu.Lock()
	q.conns[connID] = liveness{lastSeen: q.opts.Now(), rtt: rtt}
	q.mu.Unlock()
}

func (q *QualityTracker) Classify(connID string) Quality {
	q.mu.Lock()
	l, ok := q.conns[connID]
	q.mu.Unlock()
	if !ok {
		return QualityDisconnected
	}
	since := q.opts.Now().Sub(l.lastSeen)
	switch {
	case since > 2*q.opts.PingInterval:
		return QualityDisconnected
	case since > q.opts.PingInterval+q.opts.PoorRTT, l.rtt >= q.opts.PoorRTT:
		return QualityPoor
	default:
		return QualityGood
	}
}

func (q *QualityTracker) Forget(connID string) {
	q.mu.Lock()
	delete(q.conns, connID)
	q.mu.Unlock()
}
