// Package ratelimit implements a per-key sliding log limiter with a debounce interval.
package ratelimit

import (
	"sync"
	"time"
)

type Reason string

const (
	ReasonNone        Reason = ""
	ReasonDebounced   Reason = "DEBOUNCED"
	ReasonRateLimited Reason = "RATE_LIMITED"
)

// Decision is the outcome of one Allow call. Remaining is the allowance left in the
// current window after this call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Reason     Reason
}

type Options struct {
	// Limit is the number of accepted events per Window.
	Limit  int
	Window time.Duration
	// MinInterval rejects an event arriving sooner than this after the last accepted one.
	MinInterval time.Duration
	Now         func() time.Time
}

type Limiter struct {
	opts Options

	mu   sync.Mutex
	logs map[string][]time.Time
}

func New(opts Options) *Limiter {
	if opts.Limit < 1 {
		opts.Limit = 1
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{opts: opts, logs: make(map[string][]time.Time)}
}

// Allow records an event for key when it fits both the debounce and the window.
// Rejected attempts are not recorded.
func (l *Limiter) Allow(key string) Decision {
	now := l.opts.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.prune(key, now)

	if n := len(kept); n > 0 && l.opts.MinInterval > 0 {
		if wait := kept[n-1].Add(l.opts.MinInterval).Sub(now); wait > 0 {
			return Decision{Remaining: l.opts.Limit - len(kept), RetryAfter: wait, Reason: ReasonDebounced}
		}
	}

	if len(kept) >= l.opts.Limit {
		return Decision{RetryAfter: kept[0].Add(l.opts.Window).Sub(now), Reason: ReasonRateLimited}
	}

	kept = append(kept, now)
	l.logs[key] = kept
	return Decision{Allowed: true, Remaining: l.opts.Limit - len(kept)}
}

// Remaining reports the allowance left for key without recording anything.
func (l *Limiter) Remaining(key string) int {
	now := l.opts.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opts.Limit - len(l.prune(key, now))
}

// Sweep drops keys with no events inside the window.
func (l *Limiter) Sweep() int {
	now := l.opts.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	for key := range l.logs {
		if len(l.prune(key, now)) == 0 {
			delete(l.logs, key)
			dropped++
		}
	}
	return dropped
}

// Limit returns the configured allowance per window.
func (l *Limiter) Limit() int { return l.opts.Limit }

func (l *Limiter) prune(key string, now time.Time) []time.Time {
	cut := now.Add(-l.opts.Window)
	arr := l.logs[key]
	kept := arr[:0]
	for _, t := range arr {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	l.logs[key] = kept
	return kept
}
