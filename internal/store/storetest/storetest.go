// Package storetest holds the behaviour every store.Store implementation must share.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-live/backend/internal/model/billing"
	"github.com/zhouzirui/z-live/backend/internal/model/channel"
	"github.com/zhouzirui/z-live/backend/internal/model/identity"
	"github.com/zhouzirui/z-live/backend/internal/model/privatechat"
	"github.com/zhouzirui/z-live/backend/internal/model/session"
	"github.com/zhouzirui/z-live/backend/internal/store"
)

var base = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

// Run exercises s against the shared contract. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("MessagesNewestFirst", func(t *testing.T) { testMessages(t, newStore(t)) })
	t.Run("SoftDeleteOnce", func(t *testing.T) { testSoftDelete(t, newStore(t)) })
	t.Run("Sanctions", func(t *testing.T) { testSanctions(t, newStore(t)) })
	t.Run("RequestPendingUnique", func(t *testing.T) { testPendingUnique(t, newStore(t)) })
	t.Run("RequestTransitionCAS", func(t *testing.T) { testTransitionCAS(t, newStore(t)) })
	t.Run("AcceptAtomic", func(t *testing.T) { testAccept(t, newStore(t)) })
	t.Run("PrivateMessages", func(t *testing.T) { testPrivateMessages(t, newStore(t)) })
	t.Run("Ticks", func(t *testing.T) { testTicks(t, newStore(t)) })
}

func testSessions(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := session.ChatSession{
		ID: "s1", StreamID: "live-1", UserID: "u1", Role: identity.RoleViewer,
		CanChat: true, CanView: true, IssuedAt: base, ExpiresAt: base.Add(15 * time.Minute),
	}
	require.NoError(t, s.PutSession(ctx, first))

	second := first
	second.ID = "s2"
	second.CanChat = false
	second.Reason = "insufficient balance"
	require.NoError(t, s.PutSession(ctx, second))

	got, ok, err := s.CurrentSession(ctx, "u1", "live-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s2", got.ID)
	assert.False(t, got.CanChat)
	assert.Equal(t, "insufficient balance", got.Reason)
	assert.True(t, got.ExpiresAt.Equal(second.ExpiresAt))

	require.NoError(t, s.DeleteSession(ctx, "u1", "live-1"))
	_, ok, err = s.CurrentSession(ctx, "u1", "live-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// one node for every test so ids never repeat within a process
var node = mustNode()

func mustNode() *snowflake.Node {
	n, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return n
}

func appendMessages(t *testing.T, s store.Store, stream string, n int) []channel.ChatMessage {
	out := make([]channel.ChatMessage, 0, n)
	for i := 0; i < n; i++ {
		id := node.Generate()
		m := channel.ChatMessage{
			ID: id, StreamID: stream, SenderID: "u1", SenderRole: identity.RoleViewer,
			Body: "hello", CreatedAt: channel.CreatedAtFromID(id),
		}
		require.NoError(t, s.AppendMessage(context.Background(), m))
		out = append(out, m)
	}
	return out
}

func testMessages(t *testing.T, s store.Store) {
	ctx := context.Background()
	msgs := appendMessages(t, s, "live-1", 5)
	appendMessages(t, s, "live-2", 2)

	page, err := s.ListMessages(ctx, "live-1", 0, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, msgs[4].ID, page[0].ID)
	assert.Equal(t, msgs[2].ID, page[2].ID)

	older, err := s.ListMessages(ctx, "live-1", page[2].ID, 3)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, msgs[1].ID, older[0].ID)
	assert.Equal(t, msgs[0].ID, older[1].ID)

	assert.ErrorIs(t, s.AppendMessage(ctx, msgs[0]), store.ErrConflict)
}

func testSoftDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	msgs := appendMessages(t, s, "live-1", 3)

	changed, err := s.SoftDeleteMessage(ctx, "live-1", msgs[1].ID, base)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.SoftDeleteMessage(ctx, "live-1", msgs[1].ID, base.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, changed, "second delete is a no-op")

	got, ok, err := s.GetMessage(ctx, "live-1", msgs[1].ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, got.DeletedAt)
	assert.True(t, got.DeletedAt.Equal(base))

	page, err := s.ListMessages(ctx, "live-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, msgs[2].ID, page[0].ID)
	assert.Equal(t, msgs[0].ID, page[1].ID)

	changed, err = s.SoftDeleteMessage(ctx, "live-1", 12345, base)
	require.NoError(t, err)
	assert.False(t, changed)
}

func testSanctions(t *testing.T, s store.Store) {
	ctx := context.Background()
	actions := []channel.ModerationAction{
		{ID: uuid.NewString(), StreamID: "live-1", Kind: channel.ModerationMute, TargetUserID: "u1", ActorID: "mod", DurationSeconds: 60, CreatedAt: base},
		{ID: uuid.NewString(), StreamID: "live-1", Kind: channel.ModerationDelete, TargetMessageID: 9, ActorID: "mod", CreatedAt: base},
		{ID: uuid.NewString(), StreamID: "live-2", Kind: channel.ModerationBan, TargetUserID: "u1", ActorID: "mod", CreatedAt: base},
		{ID: uuid.NewString(), StreamID: "live-1", Kind: channel.ModerationBan, TargetUserID: "u1", ActorID: "mod", CreatedAt: base.Add(time.Second)},
	}
	for _, a := range actions {
		require.NoError(t, s.AppendModeration(ctx, a))
	}

	got, err := s.Sanctions(ctx, "live-1", "u1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, channel.ModerationMute, got[0].Kind)
	assert.Equal(t, 60, got[0].DurationSeconds)
	assert.Equal(t, channel.ModerationBan, got[1].Kind)
}

func newRequest(sender, receiver string, at time.Time) privatechat.ChatRequest {
	return privatechat.ChatRequest{
		ID: uuid.NewString(), StreamID: privatechat.GlobalStream, SenderID: sender, ReceiverID: receiver,
		Status: privatechat.StatusPending, CreatedAt: at,
	}
}

func testPendingUnique(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := newRequest("a", "b", base)
	require.NoError(t, s.CreateRequest(ctx, first))
	assert.ErrorIs(t, s.CreateRequest(ctx, newRequest("a", "b", base.Add(time.Second))), store.ErrConflict)

	// the reverse direction is an independent ordered pair at the storage level
	require.NoError(t, s.CreateRequest(ctx, newRequest("b", "a", base)))

	ok, err := s.TransitionRequest(ctx, first.ID, privatechat.StatusPending, privatechat.StatusRejected, base.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	again := newRequest("a", "b", base.Add(2*time.Minute))
	require.NoError(t, s.CreateRequest(ctx, again))

	latest, found, err := s.LatestRequest(ctx, "a", "b")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, again.ID, latest.ID)

	pending, err := s.PendingFor(ctx, "b")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, again.ID, pending[0].ID)

	stale, err := s.PendingCreatedBefore(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "b", stale[0].SenderID)
}

func testTransitionCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	req := newRequest("a", "b", base)
	require.NoError(t, s.CreateRequest(ctx, req))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, to := range []privatechat.RequestStatus{privatechat.StatusRejected, privatechat.StatusExpired, privatechat.StatusRejected} {
		wg.Add(1)
		go func(to privatechat.RequestStatus) {
			defer wg.Done()
			ok, err := s.TransitionRequest(ctx, req.ID, privatechat.StatusPending, to, base.Add(time.Minute))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(to)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, _, err := s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DecidedAt)
	assert.NotEqual(t, privatechat.StatusPending, got.Status)

	ok, err := s.AcceptRequest(ctx, req.ID, base, privatechat.Link{UserA: "a", UserB: "b", RequestID: req.ID, EstablishedAt: base}, nil)
	require.NoError(t, err)
	assert.False(t, ok, "decided requests cannot be accepted")

	_, linked, err := s.GetLink(ctx, "a", "b")
	require.NoError(t, err)
	assert.False(t, linked)
}

func testAccept(t *testing.T, s store.Store) {
	ctx := context.Background()
	hi := "hi"
	req := newRequest("a", "b", base)
	req.InitialMessage = &hi
	require.NoError(t, s.CreateRequest(ctx, req))

	first := privatechat.PrivateMessage{
		ID: uuid.NewString(), SenderID: "a", ReceiverID: "b", StreamID: req.StreamID, Body: hi, CreatedAt: base,
	}
	link := privatechat.Link{UserA: "a", UserB: "b", RequestID: req.ID, EstablishedAt: base.Add(time.Hour)}
	ok, err := s.AcceptRequest(ctx, req.ID, base.Add(time.Hour), link, &first)
	require.NoError(t, err)
	require.True(t, ok)

	got, _, err := s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, privatechat.StatusAccepted, got.Status)
	require.NotNil(t, got.InitialMessage)
	assert.Equal(t, "hi", *got.InitialMessage)

	l, linked, err := s.GetLink(ctx, "b", "a")
	require.NoError(t, err)
	require.True(t, linked)
	assert.Equal(t, req.ID, l.RequestID)

	msgs, err := s.ListPrivateMessages(ctx, "b", "a", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Body)

	ok, err = s.AcceptRequest(ctx, req.ID, base.Add(2*time.Hour), link, &first)
	require.NoError(t, err)
	assert.False(t, ok)
	msgs, err = s.ListPrivateMessages(ctx, "a", "b", 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "a failed accept must not insert the first message")
}

func testPrivateMessages(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, sender := range []string{"a", "b", "a", "a"} {
		receiver := "b"
		if sender == "b" {
			receiver = "a"
		}
		m, err := s.AppendPrivateMessage(ctx, privatechat.PrivateMessage{
			ID: uuid.NewString(), SenderID: sender, ReceiverID: receiver, StreamID: "global",
			Body: "m", CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		assert.Positive(t, m.Seq)
	}
	_, err := s.AppendPrivateMessage(ctx, privatechat.PrivateMessage{
		ID: uuid.NewString(), SenderID: "a", ReceiverID: "c", StreamID: "global", Body: "other", CreatedAt: base,
	})
	require.NoError(t, err)

	all, err := s.ListPrivateMessages(ctx, "a", "b", 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Seq, all[i].Seq, "oldest first")
	}

	page, err := s.ListPrivateMessages(ctx, "a", "b", all[3].Seq, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[1].ID, page[0].ID)
	assert.Equal(t, all[2].ID, page[1].ID)

	unread, last, err := s.ConversationStats(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, 3, unread)
	require.NotNil(t, last)
	assert.True(t, last.Equal(base.Add(3*time.Second)))

	n, err := s.MarkRead(ctx, "b", "a", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	unread, _, err = s.ConversationStats(ctx, "b", "a")
	require.NoError(t, err)
	assert.Zero(t, unread)

	unread, _, err = s.ConversationStats(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	unread, last, err = s.ConversationStats(ctx, "a", "nobody")
	require.NoError(t, err)
	assert.Zero(t, unread)
	assert.Nil(t, last)
}

func testTicks(t *testing.T, s store.Store) {
	ctx := context.Background()
	tick := billing.Tick{
		StreamID: "live-1", ViewerID: "u1", WindowStart: base, WindowEnd: base.Add(time.Minute),
		TokensCharged: decimal.NewFromInt(5), ModelEarned: decimal.RequireFromString("3.5"),
		RemainingBalance: decimal.NewFromInt(95), IdempotencyKey: billing.IdempotencyKey("u1", "live-1", base),
		CreatedAt: base,
	}
	require.NoError(t, s.PutTick(ctx, tick))
	assert.ErrorIs(t, s.PutTick(ctx, tick), store.ErrConflict)

	got, ok, err := s.GetTick(ctx, tick.IdempotencyKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.ModelEarned.Equal(decimal.RequireFromString("3.5")))
	assert.True(t, got.RemainingBalance.Equal(decimal.NewFromInt(95)))
	assert.True(t, got.WindowStart.Equal(base))

	list, err := s.ListTicks(ctx, "u1", "live-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, ok, err = s.GetTick(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
