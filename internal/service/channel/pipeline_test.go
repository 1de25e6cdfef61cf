package channel_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/zhouzirui/z-live/backend/internal/model/channel"
	"github.com/zhouzirui/z-live/backend/internal/model/identity"
	"github.com/zhouzirui/z-live/backend/internal/model/session"
	"github.com/zhouzirui/z-live/backend/internal/service/channel"
	"github.com/zhouzirui/z-live/backend/internal/service/lifecycle"
	"github.com/zhouzirui/z-live/backend/internal/service/ratelimit"
	"github.com/zhouzirui/z-live/backend/internal/store/memory"
	"github.com/zhouzirui/z-live/backend/internal/transport/pubsub"
	apperrors "github.com/zhouzirui/z-live/backend/pkg/errors"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	pipeline *channel.Pipeline
	broker   *pubsub.Broker
	clock    *clock
}

func newFixture(t *testing.T, limit int, debounce time.Duration) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)}
	broker := pubsub.NewBroker()
	node, err := snowflake.NewNode(7)
	require.NoError(t, err)
	p, err := channel.New(channel.Options{
		Store:     memory.New(),
		Broker:    broker,
		Limiter:   ratelimit.New(ratelimit.Options{Limit: limit, Window: time.Minute, MinInterval: debounce, Now: c.Now}),
		Node:      node,
		Directory: identity.NewMemoryDirectory(identity.Seed()),
		Lifecycle: lifecycle.NewMemoryLifecycle(nil, lifecycle.Seed()),
		Now:       c.Now,
	})
	require.NoError(t, err)
	return &fixture{pipeline: p, broker: broker, clock: c}
}

func (f *fixture) viewer(userID string) session.ChatSession {
	now := f.clock.Now()
	return session.ChatSession{
		ID: "s-" + userID, StreamID: "luna-live", UserID: userID, Role: identity.RoleViewer,
		CanChat: true, CanView: true, IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	}
}

func (f *fixture) moderator() session.ChatSession {
	s := f.viewer("mod-iris")
	s.Role = identity.RoleModerator
	s.Privileged = true
	return s
}

func TestSubscribersSeeSameOrder(t *testing.T) {
	f := newFixture(t, 100, 0)
	ctx := context.Background()
	a := f.pipeline.Subscribe("luna-live", 256)
	b := f.pipeline.Subscribe("luna-live", 256)
	defer a.Close()
	defer b.Close()

	const senders, perSender = 8, 10
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := f.viewer(fmt.Sprintf("viewer-%d", i))
			for j := 0; j < perSender; j++ {
				_, err := f.pipeline.Send(ctx, s, fmt.Sprintf("m%d-%d", i, j))
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	collect := func(sub *pubsub.Subscription) []snowflake.ID {
		ids := make([]snowflake.ID, 0, senders*perSender)
		for len(ids) < senders*perSender {
			ev := <-sub.C()
			ids = append(ids, ev.Data.(model.ChatMessage).ID)
		}
		return ids
	}
	idsA, idsB := collect(a), collect(b)
	assert.Equal(t, idsA, idsB)
	for i := 1; i < len(idsA); i++ {
		assert.Less(t, int64(idsA[i-1]), int64(idsA[i]), "delivery order follows id order")
	}
}

func TestSendRejections(t *testing.T) {
	f := newFixture(t, 20, 500*time.Millisecond)
	ctx := context.Background()

	s := f.viewer("viewer-ben")
	s.CanChat = false
	s.Reason = "insufficient balance"
	_, err := f.pipeline.Send(ctx, s, "hello")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeChatDisabled))
	assert.Equal(t, "insufficient balance", err.Error())

	s = f.viewer("viewer-ben")
	_, err = f.pipeline.Send(ctx, s, "   ")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeBodyEmpty))

	long := make([]rune, model.MaxBodyLength+1)
	for i := range long {
		long[i] = 'é'
	}
	_, err = f.pipeline.Send(ctx, s, string(long))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeBodyTooLong))

	expired := f.viewer("viewer-mia")
	expired.ExpiresAt = f.clock.Now()
	_, err = f.pipeline.Send(ctx, expired, "late")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeSessionExpired))
}

func TestDebounceAndRateLimitSurfaceRemaining(t *testing.T) {
	f := newFixture(t, 3, 500*time.Millisecond)
	ctx := context.Background()
	s := f.viewer("viewer-ben")

	res, err := f.pipeline.Send(ctx, s, "one")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Remaining)

	_, err = f.pipeline.Send(ctx, s, "too fast")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeDebounced))

	f.clock.Advance(time.Second)
	_, err = f.pipeline.Send(ctx, s, "two")
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	res, err = f.pipeline.Send(ctx, s, "three")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Remaining)

	f.clock.Advance(time.Second)
	_, err = f.pipeline.Send(ctx, s, "four")
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindRateLimited, appErr.Kind)
	assert.Equal(t, 0, appErr.Remaining)
	assert.Equal(t, 57*time.Second, appErr.RetryAfter)
}

func TestMuteLapsesAfterDuration(t *testing.T) {
	f := newFixture(t, 20, 500*time.Millisecond)
	ctx := context.Background()
	viewer := f.viewer("viewer-ben")

	_, err := f.pipeline.Moderate(ctx, f.moderator(), channel.ModerationRequest{
		Kind: model.ModerationMute, TargetUserID: "viewer-ben", DurationSeconds: 60,
	})
	require.NoError(t, err)

	_, err = f.pipeline.Send(ctx, viewer, "let me speak")
	assert.Equal(t, apperrors.KindPolicyDenied, apperrors.KindOf(err))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeMuted))

	f.clock.Advance(59 * time.Second)
	_, err = f.pipeline.Send(ctx, viewer, "now?")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeMuted))
	appErr, _ := apperrors.As(err)
	assert.Equal(t, time.Second, appErr.RetryAfter)

	f.clock.Advance(time.Second)
	_, err = f.pipeline.Send(ctx, viewer, "thanks")
	assert.NoError(t, err)
}

func TestBanIsPermanent(t *testing.T) {
	f := newFixture(t, 20, 0)
	ctx := context.Background()

	_, err := f.pipeline.Moderate(ctx, f.moderator(), channel.ModerationRequest{Kind: model.ModerationBan, TargetUserID: "viewer-zoe"})
	require.NoError(t, err)

	f.clock.Advance(30 * 24 * time.Hour)
	_, err = f.pipeline.Send(ctx, f.viewer("viewer-zoe"), "hello again")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeBanned))
}

func TestModerationPermissions(t *testing.T) {
	f := newFixture(t, 20, 0)
	ctx := context.Background()

	_, err := f.pipeline.Moderate(ctx, f.viewer("viewer-ben"), channel.ModerationRequest{Kind: model.ModerationBan, TargetUserID: "viewer-mia"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotAuthorized))

	_, err = f.pipeline.Moderate(ctx, f.moderator(), channel.ModerationRequest{Kind: model.ModerationBan, TargetUserID: "creator-luna"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotAuthorized), "the stream creator cannot be banned")

	_, err = f.pipeline.Moderate(ctx, f.moderator(), channel.ModerationRequest{Kind: model.ModerationMute, TargetUserID: "viewer-mia"})
	assert.Equal(t, apperrors.KindInvalidArgument, apperrors.KindOf(err), "mute needs a duration")

	_, err = f.pipeline.Moderate(ctx, f.moderator(), channel.ModerationRequest{Kind: model.ModerationBan, TargetUserID: "mod-iris"})
	assert.Equal(t, apperrors.KindInvalidArgument, apperrors.KindOf(err))
}

func TestDeleteHidesMessageAndIsIdempotent(t *testing.T) {
	f := newFixture(t, 20, 0)
	ctx := context.Background()
	sub := f.pipeline.Subscribe("luna-live", 16)
	defer sub.Close()

	res, err := f.pipeline.Send(ctx, f.viewer("viewer-ben"), "spam")
	require.NoError(t, err)
	_, err = f.pipeline.Send(ctx, f.viewer("viewer-mia"), "hi all")
	require.NoError(t, err)

	req := channel.ModerationRequest{Kind: model.ModerationDelete, TargetMessageID: res.Message.ID}
	action, err := f.pipeline.Moderate(ctx, f.moderator(), req)
	require.NoError(t, err)
	assert.Equal(t, "viewer-ben", action.TargetUserID)
	_, err = f.pipeline.Moderate(ctx, f.moderator(), req)
	require.NoError(t, err, "deleting twice is a no-op")

	page, err := f.pipeline.LoadHistory(ctx, "luna-live", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hi all", page.Messages[0].Body)

	var types []string
	for i := 0; i < 4; i++ {
		types = append(types, (<-sub.C()).Type)
	}
	assert.Equal(t, []string{channel.EventMessage, channel.EventMessage, channel.EventModeration, channel.EventModeration}, types)

	_, err = f.pipeline.Moderate(ctx, f.moderator(), channel.ModerationRequest{Kind: model.ModerationDelete, TargetMessageID: 42})
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestHistoryPaginatesBackward(t *testing.T) {
	f := newFixture(t, 100, 0)
	ctx := context.Background()
	s := f.viewer("viewer-ben")
	for i := 0; i < 5; i++ {
		_, err := f.pipeline.Send(ctx, s, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	first, err := f.pipeline.LoadHistory(ctx, "luna-live", 0, 2)
	require.NoError(t, err)
	require.True(t, first.HasMore)
	assert.Equal(t, "m4", first.Messages[0].Body)
	assert.Equal(t, "m3", first.Messages[1].Body)

	again, err := f.pipeline.LoadHistory(ctx, "luna-live", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, first, again, "same cursor, same page")

	second, err := f.pipeline.LoadHistory(ctx, "luna-live", first.NextBefore, 2)
	require.NoError(t, err)
	assert.Equal(t, "m2", second.Messages[0].Body)

	last, err := f.pipeline.LoadHistory(ctx, "luna-live", second.NextBefore, 2)
	require.NoError(t, err)
	require.Len(t, last.Messages, 1)
	assert.Equal(t, "m0", last.Messages[0].Body)
	assert.False(t, last.HasMore)

	empty, err := f.pipeline.LoadHistory(ctx, "kai-live", 0, 0)
	require.NoError(t, err)
	assert.NotNil(t, empty.Messages)
	assert.Empty(t, empty.Messages)
}

// pausingStore blocks the first Sanctions lookup until release is closed.
type pausingStore struct {
	*memory.Store
	once    sync.Once
	paused  chan struct{}
	release chan struct{}
}

func (s *pausingStore) Sanctions(ctx context.Context, streamID, userID string) ([]model.ModerationAction, error) {
	s.once.Do(func() {
		close(s.paused)
		<-s.release
	})
	return s.Store.Sanctions(ctx, streamID, userID)
}

func TestMuteDuringSendIsNotOvertaken(t *testing.T) {
	c := &clock{now: time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)}
	st := &pausingStore{Store: memory.New(), paused: make(chan struct{}), release: make(chan struct{})}
	broker := pubsub.NewBroker()
	p, err := channel.New(channel.Options{
		Store:     st,
		Broker:    broker,
		Limiter:   ratelimit.New(ratelimit.Options{Limit: 20, Window: time.Minute, Now: c.Now}),
		Directory: identity.NewMemoryDirectory(identity.Seed()),
		Lifecycle: lifecycle.NewMemoryLifecycle(nil, lifecycle.Seed()),
		Now:       c.Now,
	})
	require.NoError(t, err)
	f := &fixture{pipeline: p, broker: broker, clock: c}
	sub := p.Subscribe("luna-live", 16)
	defer sub.Close()

	ctx := context.Background()
	sendErr := make(chan error, 1)
	go func() {
		_, err := p.Send(ctx, f.viewer("viewer-ben"), "sneaking in")
		sendErr <- err
	}()

	<-st.paused
	_, err = p.Moderate(ctx, f.moderator(), channel.ModerationRequest{
		Kind: model.ModerationMute, TargetUserID: "viewer-ben", DurationSeconds: 60,
	})
	require.NoError(t, err)
	close(st.release)

	err = <-sendErr
	assert.True(t, apperrors.IsCode(err, apperrors.CodeMuted))

	ev := <-sub.C()
	assert.Equal(t, channel.EventModeration, ev.Type)
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event after mute: %s", ev.Type)
	default:
	}
}

func TestCreatedAtFollowsPipelineClock(t *testing.T) {
	f := newFixture(t, 20, 0)
	res, err := f.pipeline.Send(context.Background(), f.viewer("viewer-ben"), "hello")
	require.NoError(t, err)
	assert.True(t, f.clock.Now().Equal(res.Message.CreatedAt))
}
