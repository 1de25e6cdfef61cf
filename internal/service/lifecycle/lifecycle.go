// Package lifecycle exposes the stream status owned by the broadcast service.
package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/zhouzirui/z-live/backend/internal/transport/pubsub"
)

type Status string

const (
	StatusLive      Status = "LIVE"
	StatusScheduled Status = "SCHEDULED"
	StatusEnded     Status = "ENDED"
)

var ErrInvalidStatus = errors.New("lifecycle: invalid stream status")

// ParseStatus accepts any casing of LIVE, SCHEDULED or ENDED.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToUpper(strings.TrimSpace(raw))); s {
	case StatusLive, StatusScheduled, StatusEnded:
		return s, nil
	default:
		return "", ErrInvalidStatus
	}
}

type Stream struct {
	ID        string `json:"id"`
	CreatorID string `json:"creatorId"`
	Status    Status `json:"status"`
	Paused    bool   `json:"paused"`
}

// Billable reports whether viewers are actually receiving video.
func (s Stream) Billable() bool {
	return s.Status == StatusLive && !s.Paused
}

// EventStreamStatus is published on the stream topic whenever status or paused changes.
const EventStreamStatus = "stream_status"

// Lifecycle is the read side of the stream lifecycle service.
type Lifecycle interface {
	GetStreamStatus(ctx context.Context, streamID string) (Stream, bool, error)
}

// MemoryLifecycle keeps stream state in memory and pushes changes to subscribers.
type MemoryLifecycle struct {
	mu      sync.RWMutex
	streams map[string]Stream
	broker  *pubsub.Broker
}

func NewMemoryLifecycle(broker *pubsub.Broker, streams []Stream) *MemoryLifecycle {
	m := &MemoryLifecycle{streams: make(map[string]Stream, len(streams)), broker: broker}
	for _, s := range streams {
		m.streams[s.ID] = s
	}
	return m
}

func (m *MemoryLifecycle) GetStreamStatus(_ context.Context, streamID string) (Stream, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[streamID]
	return s, ok, nil
}

// Update stores the new state and publishes it when it changed.
func (m *MemoryLifecycle) Update(_ context.Context, s Stream) (changed bool) {
	m.mu.Lock()
	prev, existed := m.streams[s.ID]
	if s.CreatorID == "" {
		s.CreatorID = prev.CreatorID
	}
	m.streams[s.ID] = s
	changed = !existed || prev != s
	m.mu.Unlock()

	if changed && m.broker != nil {
		m.broker.Publish(pubsub.StreamTopic(s.ID), EventStreamStatus, s)
	}
	return changed
}

// Seed provides demo streams for local runs.
func Seed() []Stream {
	return []Stream{
		{ID: "luna-live", CreatorID: "creator-luna", Status: StatusLive},
		{ID: "kai-live", CreatorID: "creator-kai", Status: StatusLive},
		{ID: "kai-tomorrow", CreatorID: "creator-kai", Status: StatusScheduled},
	}
}
