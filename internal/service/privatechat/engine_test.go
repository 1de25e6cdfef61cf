package privatechat_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-live/backend/internal/model/identity"
	model "github.com/zhouzirui/z-live/backend/internal/model/privatechat"
	"github.com/zhouzirui/z-live/backend/internal/service/privatechat"
	"github.com/zhouzirui/z-live/backend/internal/service/ratelimit"
	"github.com/zhouzirui/z-live/backend/internal/store/memory"
	"github.com/zhouzirui/z-live/backend/internal/store/sqlstore"
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
	engine *privatechat.Engine
	broker *pubsub.Broker
	clock  *clock
}

func newFixture(t *testing.T, storage privatechat.Storage) *fixture {
	t.Helper()
	if storage == nil {
		storage = memory.New()
	}
	c := &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	broker := pubsub.NewBroker()
	e, err := privatechat.New(privatechat.Options{
		Store:     storage,
		Directory: identity.NewMemoryDirectory(identity.Seed()),
		Broker:    broker,
		Limiter:   ratelimit.New(ratelimit.Options{Limit: 20, Window: time.Minute, Now: c.Now}),
		Now:       c.Now,
	})
	require.NoError(t, err)
	return &fixture{engine: e, broker: broker, clock: c}
}

func strPtr(s string) *string { return &s }

func TestConcurrentSendRequestYieldsOnePending(t *testing.T) {
	stores := map[string]func(t *testing.T) privatechat.Storage{
		"memory": func(t *testing.T) privatechat.Storage { return memory.New() },
		"sqlite": func(t *testing.T) privatechat.Storage {
			s, err := sqlstore.New(context.Background(), ":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, newStore(t))
			ctx := context.Background()

			const callers = 8
			errs := make([]error, callers)
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = f.engine.SendRequest(ctx, privatechat.RequestInput{SenderID: "viewer-ben", ReceiverID: "creator-luna"})
				}(i)
			}
			wg.Wait()

			created := 0
			for _, err := range errs {
				if err == nil {
					created++
					continue
				}
				assert.True(t, apperrors.IsCode(err, apperrors.CodeAlreadyPending), "unexpected error %v", err)
			}
			assert.Equal(t, 1, created)

			pending, err := f.engine.ListPendingRequests(ctx, "creator-luna")
			require.NoError(t, err)
			assert.Len(t, pending, 1)
		})
	}
}

func TestExpiredRequestCanBeResent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	old, err := f.engine.SendRequest(ctx, privatechat.RequestInput{SenderID: "viewer-ben", ReceiverID: "creator-luna"})
	require.NoError(t, err)

	f.clock.Advance(8 * 24 * time.Hour)
	status, err := f.engine.GetStatus(ctx, "viewer-ben", "creator-luna")
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, status)

	pending, err := f.engine.ListPendingRequests(ctx, "creator-luna")
	require.NoError(t, err)
	assert.Empty(t, pending, "expired requests are not offered to the receiver")

	fresh, err := f.engine.SendRequest(ctx, privatechat.RequestInput{SenderID: "viewer-ben", ReceiverID: "creator-luna"})
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)

	_, err = f.engine.Accept(ctx, old.ID, "creator-luna")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotPending))

	status, err = f.engine.GetStatus(ctx, "viewer-ben", "creator-luna")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, status)
}

func TestAcceptFlowDeliversInitialMessage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	inbox := f.broker.Subscribe(pubsub.UserTopic("creator-luna"), 8)
	outbox := f.broker.Subscribe(pubsub.UserTopic("viewer-ben"), 8)
	defer inbox.Close()
	defer outbox.Close()

	req, err := f.engine.SendRequest(ctx, privatechat.RequestInput{SenderID: "viewer-ben", ReceiverID: "creator-luna", InitialMessage: strPtr("hi")})
	require.NoError(t, err)
	assert.Equal(t, privatechat.EventRequest, (<-inbox.C()).Type)

	pending, err := f.engine.ListPendingRequests(ctx, "creator-luna")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = f.engine.Accept(ctx, req.ID, "viewer-ben")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotReceiver))

	res, err := f.engine.Accept(ctx, req.ID, "creator-luna")
	require.NoError(t, err)
	require.NotNil(t, res.FirstMessage)
	assert.Equal(t, privatechat.EventRequestAccepted, (<-outbox.C()).Type)

	page, err := f.engine.ListMessages(ctx, "creator-luna", "viewer-ben", 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hi", page.Messages[0].Body)
	assert.Equal(t, "viewer-ben", page.Messages[0].SenderID)

	status, err := f.engine.GetStatus(ctx, "creator-luna", "viewer-ben")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, status, "a conversation is symmetric")

	_, err = f.engine.SendRequest(ctx, privatechat.RequestInput{SenderID: "creator-luna", ReceiverID: "viewer-ben"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeAlreadyConversation))

	_, err = f.engine.Reject(ctx, req.ID, "creator-luna")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotPending))
}

func TestRejectThenResend(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req, err := f.engine.SendRequest(ctx, privatechat.RequestInput{SenderID: "viewer-mia", ReceiverID: "creator-kai"})
	require.NoError(t, err)

	_, err = f.engine.SendRequest(ctx, privatechat.RequestInput{SenderID: "creator-kai", ReceiverID: "viewer-mia"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeIncomingPending))

	rejected, err := f.engine.Reject(ctx, req.ID, "creator-kai")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, rejected.Status)

	_, err = f.engine.Accept(ctx, req.ID, "creator-kai")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotPending))

	status, err := f.engine.GetStatus(ctx, "viewer-mia", "creator-kai")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, status)

	_, err = f.engine.SendRequest(ctx, privatechat.RequestInput{SenderID: "viewer-mia", ReceiverID: "creator-kai"})
	assert.NoError(t, err)
}

func TestAcceptRacingReject(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req, err := f.engine.SendRequest(ctx, privatechat.RequestInput{SenderID: "viewer-zoe", ReceiverID: "creator-kai"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var acceptErr, rejectErr error
	wg.Add(2)
	go func() { defer wg.Done(); _, acceptErr = f.engine.Accept(ctx, req.ID, "creator-kai") }()
	go func() { defer wg.Done(); _, rejectErr = f.engine.Reject(ctx, req.ID, "creator-kai") }()
	wg.Wait()

	assert.True(t, (acceptErr == nil) != (rejectErr == nil), "exactly one decision wins: accept=%v reject=%v", acceptErr, rejectErr)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.SendRequest(ctx, privatechat.RequestInput{SenderID: "viewer-ben", ReceiverID: "viewer-ben"})
	assert.Equal(t, apperrors.KindInvalidArgument, apperrors.KindOf(err))

	_, err = f.engine.SendRequest(ctx, privatechat.RequestInput{SenderID: "viewer-ben", ReceiverID: "ghost"})
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))

	status, err := f.engine.GetStatus(ctx, "viewer-ben", "viewer-mia")
	require.NoError(t, err)
	assert.Equal(t, model.StatusNone, status)

	_, err = f.engine.Accept(ctx, "missing", "viewer-ben")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestSweepPersistsExpiry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.SendRequest(ctx, privatechat.RequestInput{SenderID: "viewer-ben", ReceiverID: "creator-luna"})
	require.NoError(t, err)
	f.clock.Advance(2 * 24 * time.Hour)
	_, err = f.engine.SendRequest(ctx, privatechat.RequestInput{SenderID: "viewer-mia", ReceiverID: "creator-luna"})
	require.NoError(t, err)

	f.clock.Advance(6 * 24 * time.Hour)
	n, err := f.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := f.engine.ListPendingRequests(ctx, "creator-luna")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "viewer-mia", pending[0].SenderID)

	n, err = f.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
