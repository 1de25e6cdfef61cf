package presence

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Checker answers whether a viewer is currently receiving a stream.
type Checker interface {
	IsWatching(ctx context.Context, viewerID, streamID string) bool
}

type conn struct {
	viewerID string
	streamID string
}

// Tracker 观众连接管理器，每个直播连接登记一次
type Tracker struct {
	mu     sync.RWMutex
	conns  map[string]conn
	counts map[string]int
}

// NewTracker 创建连接管理器
func NewTracker() *Tracker {
	return &Tracker{
		conns:  make(map[string]conn),
		counts: make(map[string]int),
	}
}

func key(viewerID, streamID string) string { return viewerID + "|" + streamID }

// Connect 登记连接并返回连接ID
func (t *Tracker) Connect(viewerID, streamID string) string {
	id := uuid.NewString()
	t.mu.Lock()
	t.conns[id] = conn{viewerID: viewerID, streamID: streamID}
	t.counts[key(viewerID, streamID)]++
	t.mu.Unlock()
	return id
}

// Disconnect 移除连接，重复调用无副作用
func (t *Tracker) Disconnect(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[connID]
	if !ok {
		return
	}
	delete(t.conns, connID)
	k := key(c.viewerID, c.streamID)
	if t.counts[k] <= 1 {
		delete(t.counts, k)
		return
	}
	t.counts[k]--
}

// IsWatching 观众是否仍有连接在该直播间
func (t *Tracker) IsWatching(_ context.Context, viewerID, streamID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[key(viewerID, streamID)] > 0
}

// Viewers 统计直播间在线连接数
func (t *Tracker) Viewers(streamID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, c := range t.conns {
		if c.streamID == streamID {
			n++
		}
	}
	return n
}
