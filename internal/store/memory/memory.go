// Package memory implements store.Store in process memory. It is the default backend
// for local runs and the reference implementation in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/zhouzirui/z-live/backend/internal/model/billing"
	"github.com/zhouzirui/z-live/backend/internal/model/channel"
	"github.com/zhouzirui/z-live/backend/internal/model/privatechat"
	"github.com/zhouzirui/z-live/backend/internal/model/session"
	"github.com/zhouzirui/z-live/backend/internal/store"
	"github.com/zhouzirui/z-live/backend/pkg/keylock"
)

var _ store.Store = (*Store)(nil)

type sessionID struct{ userID, streamID string }

type Store struct {
	mu sync.RWMutex

	sessions map[sessionID]session.ChatSession

	messages map[string][]channel.ChatMessage
	msgIndex map[string]map[snowflake.ID]int

	moderation map[string][]channel.ModerationAction

	requests     map[string]privatechat.ChatRequest
	requestOrder []string

	links   map[string]privatechat.Link
	dms     map[string][]privatechat.PrivateMessage
	dmSeq   int64
	ticks   map[string]billing.Tick
	tickSeq []string
}

func New() *Store {
	return &Store{
		sessions:   make(map[sessionID]session.ChatSession),
		messages:   make(map[string][]channel.ChatMessage),
		msgIndex:   make(map[string]map[snowflake.ID]int),
		moderation: make(map[string][]channel.ModerationAction),
		requests:   make(map[string]privatechat.ChatRequest),
		links:      make(map[string]privatechat.Link),
		dms:        make(map[string][]privatechat.PrivateMessage),
		ticks:      make(map[string]billing.Tick),
	}
}

func (s *Store) Close() error { return nil }

func sessionKey(userID, streamID string) sessionID { return sessionID{userID, streamID} }

func (s *Store) PutSession(_ context.Context, cs session.ChatSession) error {
	s.mu.Lock()
	s.sessions[sessionKey(cs.UserID, cs.StreamID)] = cs
	s.mu.Unlock()
	return nil
}

func (s *Store) CurrentSession(_ context.Context, userID, streamID string) (session.ChatSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.sessions[sessionKey(userID, streamID)]
	return cs, ok, nil
}

func (s *Store) DeleteSession(_ context.Context, userID, streamID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionKey(userID, streamID))
	s.mu.Unlock()
	return nil
}

// messages

func (s *Store) AppendMessage(_ context.Context, m channel.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.msgIndex[m.StreamID]
	if !ok {
		idx = make(map[snowflake.ID]int)
		s.msgIndex[m.StreamID] = idx
	}
	if _, dup := idx[m.ID]; dup {
		return store.ErrConflict
	}

	list := s.messages[m.StreamID]
	pos := len(list)
	if pos > 0 && list[pos-1].ID > m.ID {
		pos = sort.Search(len(list), func(i int) bool { return list[i].ID > m.ID })
	}
	list = append(list, channel.ChatMessage{})
	copy(list[pos+1:], list[pos:])
	list[pos] = m
	s.messages[m.StreamID] = list
	for i := pos; i < len(list); i++ {
		idx[list[i].ID] = i
	}
	return nil
}

func (s *Store) GetMessage(_ context.Context, streamID string, id snowflake.ID) (channel.ChatMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.msgIndex[streamID][id]
	if !ok {
		return channel.ChatMessage{}, false, nil
	}
	return cloneMessage(s.messages[streamID][i]), true, nil
}

func (s *Store) SoftDeleteMessage(_ context.Context, streamID string, id snowflake.ID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.msgIndex[streamID][id]
	if !ok {
		return false, nil
	}
	msg := &s.messages[streamID][i]
	if msg.DeletedAt != nil {
		return false, nil
	}
	stamp := at
	msg.DeletedAt = &stamp
	return true, nil
}

func (s *Store) ListMessages(_ context.Context, streamID string, before snowflake.ID, limit int) ([]channel.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.messages[streamID]
	end := len(list)
	if before > 0 {
		end = sort.Search(len(list), func(i int) bool { return list[i].ID >= before })
	}

	out := make([]channel.ChatMessage, 0, limit)
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		if list[i].DeletedAt != nil {
			continue
		}
		out = append(out, cloneMessage(list[i]))
	}
	return out, nil
}

func cloneMessage(m channel.ChatMessage) channel.ChatMessage {
	if m.DeletedAt != nil {
		at := *m.DeletedAt
		m.DeletedAt = &at
	}
	return m
}

// moderation

func (s *Store) AppendModeration(_ context.Context, a channel.ModerationAction) error {
	s.mu.Lock()
	s.moderation[a.StreamID] = append(s.moderation[a.StreamID], a)
	s.mu.Unlock()
	return nil
}

func (s *Store) Sanctions(_ context.Context, streamID, userID string) ([]channel.ModerationAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []channel.ModerationAction
	for _, a := range s.moderation[streamID] {
		if a.TargetUserID != userID {
			continue
		}
		if a.Kind == channel.ModerationMute || a.Kind == channel.ModerationBan {
			out = append(out, a)
		}
	}
	return out, nil
}

// chat requests

func (s *Store) CreateRequest(_ context.Context, r privatechat.ChatRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.requests[r.ID]; dup {
		return store.ErrConflict
	}
	for _, id := range s.requestOrder {
		existing := s.requests[id]
		if existing.SenderID == r.SenderID && existing.ReceiverID == r.ReceiverID && existing.Status == privatechat.StatusPending {
			return store.ErrConflict
		}
	}
	s.requests[r.ID] = cloneRequest(r)
	s.requestOrder = append(s.requestOrder, r.ID)
	return nil
}

func (s *Store) GetRequest(_ context.Context, id string) (privatechat.ChatRequest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	return cloneRequest(r), ok, nil
}

func (s *Store) LatestRequest(_ context.Context, senderID, receiverID string) (privatechat.ChatRequest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.requestOrder) - 1; i >= 0; i-- {
		r := s.requests[s.requestOrder[i]]
		if r.SenderID == senderID && r.ReceiverID == receiverID {
			return cloneRequest(r), true, nil
		}
	}
	return privatechat.ChatRequest{}, false, nil
}

func (s *Store) TransitionRequest(_ context.Context, id string, from, to privatechat.RequestStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, from, to, at), nil
}

func (s *Store) transitionLocked(id string, from, to privatechat.RequestStatus, at time.Time) bool {
	r, ok := s.requests[id]
	if !ok || r.Status != from || !from.CanTransition(to) {
		return false
	}
	decided := at
	r.Status = to
	r.DecidedAt = &decided
	s.requests[id] = r
	return true
}

func (s *Store) AcceptRequest(_ context.Context, id string, at time.Time, link privatechat.Link, first *privatechat.PrivateMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.transitionLocked(id, privatechat.StatusPending, privatechat.StatusAccepted, at) {
		return false, nil
	}
	key := keylock.PairKey(link.UserA, link.UserB)
	if _, exists := s.links[key]; !exists {
		s.links[key] = link
	}
	if first != nil {
		s.appendDMLocked(*first)
	}
	return true, nil
}

func (s *Store) PendingFor(_ context.Context, receiverID string) ([]privatechat.ChatRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []privatechat.ChatRequest
	for _, id := range s.requestOrder {
		r := s.requests[id]
		if r.ReceiverID == receiverID && r.Status == privatechat.StatusPending {
			out = append(out, cloneRequest(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) PendingCreatedBefore(_ context.Context, cutoff time.Time) ([]privatechat.ChatRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []privatechat.ChatRequest
	for _, id := range s.requestOrder {
		r := s.requests[id]
		if r.Status == privatechat.StatusPending && r.CreatedAt.Before(cutoff) {
			out = append(out, cloneRequest(r))
		}
	}
	return out, nil
}

func cloneRequest(r privatechat.ChatRequest) privatechat.ChatRequest {
	if r.InitialMessage != nil {
		msg := *r.InitialMessage
		r.InitialMessage = &msg
	}
	if r.DecidedAt != nil {
		at := *r.DecidedAt
		r.DecidedAt = &at
	}
	return r
}

// conversations

func (s *Store) GetLink(_ context.Context, userA, userB string) (privatechat.Link, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[keylock.PairKey(userA, userB)]
	return l, ok, nil
}

func (s *Store) ListLinks(_ context.Context, userID string) ([]privatechat.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []privatechat.Link
	for _, l := range s.links {
		if l.UserA == userID || l.UserB == userID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Store) AppendPrivateMessage(_ context.Context, m privatechat.PrivateMessage) (privatechat.PrivateMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendDMLocked(m), nil
}

func (s *Store) appendDMLocked(m privatechat.PrivateMessage) privatechat.PrivateMessage {
	s.dmSeq++
	m.Seq = s.dmSeq
	key := keylock.PairKey(m.SenderID, m.ReceiverID)
	s.dms[key] = append(s.dms[key], m)
	return m
}

func (s *Store) ListPrivateMessages(_ context.Context, userA, userB string, before int64, limit int) ([]privatechat.PrivateMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.dms[keylock.PairKey(userA, userB)]
	end := len(list)
	if before > 0 {
		end = sort.Search(len(list), func(i int) bool { return list[i].Seq >= before })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	out := make([]privatechat.PrivateMessage, 0, end-start)
	for _, m := range list[start:end] {
		out = append(out, cloneDM(m))
	}
	return out, nil
}

func (s *Store) ConversationStats(_ context.Context, userID, partnerID string) (int, *time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.dms[keylock.PairKey(userID, partnerID)]
	unread := 0
	for _, m := range list {
		if m.SenderID == partnerID && m.ReadAt == nil {
			unread++
		}
	}
	if len(list) == 0 {
		return unread, nil, nil
	}
	last := list[len(list)-1].CreatedAt
	return unread, &last, nil
}

func (s *Store) MarkRead(_ context.Context, readerID, partnerID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.dms[keylock.PairKey(readerID, partnerID)]
	n := 0
	for i := range list {
		if list[i].SenderID == partnerID && list[i].ReadAt == nil {
			stamp := at
			list[i].ReadAt = &stamp
			n++
		}
	}
	return n, nil
}

func cloneDM(m privatechat.PrivateMessage) privatechat.PrivateMessage {
	if m.ReadAt != nil {
		at := *m.ReadAt
		m.ReadAt = &at
	}
	return m
}

// billing ticks

func (s *Store) GetTick(_ context.Context, key string) (billing.Tick, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ticks[key]
	return t, ok, nil
}

func (s *Store) PutTick(_ context.Context, t billing.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.ticks[t.IdempotencyKey]; dup {
		return store.ErrConflict
	}
	s.ticks[t.IdempotencyKey] = t
	s.tickSeq = append(s.tickSeq, t.IdempotencyKey)
	return nil
}

func (s *Store) ListTicks(_ context.Context, viewerID, streamID string) ([]billing.Tick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []billing.Tick
	for _, key := range s.tickSeq {
		t := s.ticks[key]
		if t.ViewerID == viewerID && t.StreamID == streamID {
			out = append(out, t)
		}
	}
	return out, nil
}
