package access_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-live/backend/internal/model/identity"
	"github.com/zhouzirui/z-live/backend/internal/service/access"
	"github.com/zhouzirui/z-live/backend/internal/service/lifecycle"
	"github.com/zhouzirui/z-live/backend/internal/service/wallet"
	"github.com/zhouzirui/z-live/backend/internal/store/memory"
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
	authority *access.Authority
	wallet    *wallet.MemoryGateway
	lifecycle *lifecycle.MemoryLifecycle
	clock     *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		wallet:    wallet.NewMemoryGateway(decimal.NewFromInt(1)),
		lifecycle: lifecycle.NewMemoryLifecycle(nil, lifecycle.Seed()),
		clock:     &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	a, err := access.New(access.Options{
		Directory: identity.NewMemoryDirectory(identity.Seed()),
		Wallet:    f.wallet,
		Lifecycle: f.lifecycle,
		Sessions:  memory.New(),
		Secret:    []byte("test-secret"),
		TTL:       10 * time.Minute,
		Now:       f.clock.Now,
	})
	require.NoError(t, err)
	f.authority = a
	return f
}

func TestGatingByBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.authority.RequestAccess(ctx, "luna-live", "viewer-ben")
	require.NoError(t, err)
	assert.False(t, grant.Session.CanChat)
	assert.True(t, grant.Session.CanView)
	assert.Equal(t, access.ReasonInsufficientBalance, grant.Session.Reason)
	assert.NotEmpty(t, grant.Token, "a read-scoped credential is still issued")

	f.wallet.SetBalance("viewer-ben", decimal.NewFromInt(100))
	grant, err = f.authority.RequestAccess(ctx, "luna-live", "viewer-ben")
	require.NoError(t, err)
	assert.True(t, grant.Session.CanChat)
	assert.Empty(t, grant.Session.Reason)
}

func TestPrivilegedSkipsWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.authority.RequestAccess(ctx, "luna-live", "creator-luna")
	require.NoError(t, err)
	assert.True(t, grant.Session.Privileged)
	assert.True(t, grant.Session.CanChat)

	grant, err = f.authority.RequestAccess(ctx, "kai-live", "creator-luna")
	require.NoError(t, err)
	assert.False(t, grant.Session.Privileged, "a model is only privileged on their own stream")
	assert.False(t, grant.Session.CanChat)

	grant, err = f.authority.RequestAccess(ctx, "kai-live", "mod-iris")
	require.NoError(t, err)
	assert.True(t, grant.Session.Privileged)
}

func TestUnknownUserAndStreamAreDenials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.authority.RequestAccess(ctx, "luna-live", "ghost")
	require.NoError(t, err)
	assert.Equal(t, access.ReasonUserNotFound, grant.Session.Reason)
	assert.Empty(t, grant.Token)

	grant, err = f.authority.RequestAccess(ctx, "nowhere", "viewer-ben")
	require.NoError(t, err)
	assert.Equal(t, access.ReasonStreamNotFound, grant.Session.Reason)
	assert.False(t, grant.Session.CanView)
}

func TestEndedStreamDisablesChatAndView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.lifecycle.Update(ctx, lifecycle.Stream{ID: "luna-live", Status: lifecycle.StatusEnded})

	grant, err := f.authority.RequestAccess(ctx, "luna-live", "creator-luna")
	require.NoError(t, err)
	assert.False(t, grant.Session.CanChat)
	assert.False(t, grant.Session.CanView)
	assert.Equal(t, access.ReasonStreamEnded, grant.Session.Reason)
}

func TestAuthenticateRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.authority.RequestAccess(ctx, "luna-live", "mod-iris")
	require.NoError(t, err)

	s, err := f.authority.Authenticate(ctx, grant.Token)
	require.NoError(t, err)
	assert.Equal(t, grant.Session.ID, s.ID)
	assert.Equal(t, identity.RoleModerator, s.Role)

	claimed, err := f.authority.Inspect(grant.Token)
	require.NoError(t, err)
	assert.Equal(t, "luna-live", claimed.StreamID)
	assert.Equal(t, "mod-iris", claimed.UserID)
}

func TestNewerJoinSupersedes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.authority.RequestAccess(ctx, "luna-live", "admin-root")
	require.NoError(t, err)
	second, err := f.authority.RequestAccess(ctx, "luna-live", "admin-root")
	require.NoError(t, err)

	_, err = f.authority.Authenticate(ctx, first.Token)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeSessionSuperseded))

	_, err = f.authority.Authenticate(ctx, second.Token)
	assert.NoError(t, err)
}

func TestExpiredAndTamperedCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.authority.RequestAccess(ctx, "luna-live", "admin-root")
	require.NoError(t, err)

	_, err = f.authority.Authenticate(ctx, grant.Token+"x")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidToken))

	f.clock.Advance(11 * time.Minute)
	_, err = f.authority.Authenticate(ctx, grant.Token)
	assert.Equal(t, apperrors.KindUnauthenticated, apperrors.KindOf(err))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeSessionExpired))
}

func TestRevokeEndsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.authority.RequestAccess(ctx, "luna-live", "admin-root")
	require.NoError(t, err)
	require.NoError(t, f.authority.Revoke(ctx, "admin-root", "luna-live"))

	_, err = f.authority.Authenticate(ctx, grant.Token)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeSessionExpired))
}
