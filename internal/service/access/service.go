// Package access decides whether a user may chat or view on a stream and issues the
// session credential that the channel and private engines authenticate against.
package access

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zhouzirui/z-live/backend/internal/model/identity"
	"github.com/zhouzirui/z-live/backend/internal/model/session"
	"github.com/zhouzirui/z-live/backend/internal/service/lifecycle"
	"github.com/zhouzirui/z-live/backend/internal/store"
	apperrors "github.com/zhouzirui/z-live/backend/pkg/errors"
	"github.com/zhouzirui/z-live/backend/pkg/keylock"
	"github.com/zhouzirui/z-live/backend/pkg/logger"
)

// Denial reasons surfaced to the UI.
const (
	ReasonUserNotFound        = "user not found"
	ReasonStreamNotFound      = "stream not found"
	ReasonInsufficientBalance = "insufficient balance"
	ReasonStreamEnded         = "stream ended"
)

const DefaultTTL = 15 * time.Minute

// BalanceReader is the slice of the wallet the authority needs; gating never debits.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
}

type Options struct {
	Directory  identity.Directory
	Wallet     BalanceReader
	Lifecycle  lifecycle.Lifecycle
	Sessions   store.Sessions
	Secret     []byte
	TTL        time.Duration
	MinBalance decimal.Decimal
	Now        func() time.Time
	Logger     *logger.Logger
}

// Grant is the answer to a join. Token is empty when the user or stream does not exist.
type Grant struct {
	Session session.ChatSession `json:"session"`
	Token   string              `json:"token,omitempty"`
}

// Authority is the Access Token Authority.
type Authority struct {
	dir        identity.Directory
	wallet     BalanceReader
	lifecycle  lifecycle.Lifecycle
	sessions   store.Sessions
	secret     []byte
	ttl        time.Duration
	minBalance decimal.Decimal
	now        func() time.Time
	locks      *keylock.Arena
	log        *logger.Logger
}

func New(opts Options) (*Authority, error) {
	if opts.Directory == nil || opts.Wallet == nil || opts.Lifecycle == nil || opts.Sessions == nil {
		return nil, errors.New("access: directory, wallet, lifecycle and sessions are required")
	}
	if len(opts.Secret) == 0 {
		return nil, errors.New("access: signing secret is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Authority{
		dir:        opts.Directory,
		wallet:     opts.Wallet,
		lifecycle:  opts.Lifecycle,
		sessions:   opts.Sessions,
		secret:     opts.Secret,
		ttl:        opts.TTL,
		minBalance: opts.MinBalance,
		now:        opts.Now,
		locks:      keylock.New(),
		log:        logger.OrNop(opts.Logger).With("component", "access"),
	}, nil
}

// RequestAccess evaluates gating for userID on streamID. Missing users or streams yield a
// denied grant with a reason and a nil error; only infrastructure faults are returned.
func (a *Authority) RequestAccess(ctx context.Context, streamID, userID string) (Grant, error) {
	now := a.now()
	denied := session.ChatSession{StreamID: streamID, UserID: userID, IssuedAt: now}

	user, ok, err := a.dir.Lookup(ctx, userID)
	if err != nil {
		return Grant{}, apperrors.Transient("identity lookup failed", err)
	}
	if !ok {
		denied.Reason = ReasonUserNotFound
		return Grant{Session: denied}, nil
	}
	denied.Role = user.Role

	stream, ok, err := a.lifecycle.GetStreamStatus(ctx, streamID)
	if err != nil {
		return Grant{}, apperrors.Transient("stream status unavailable", err)
	}
	if !ok {
		denied.Reason = ReasonStreamNotFound
		return Grant{Session: denied}, nil
	}

	s := session.ChatSession{
		ID:         uuid.NewString(),
		StreamID:   streamID,
		UserID:     userID,
		Role:       user.Role,
		Privileged: user.Role.PrivilegedFor(userID, stream.CreatorID),
		CanView:    stream.Status != lifecycle.StatusEnded,
		IssuedAt:   now,
		ExpiresAt:  now.Add(a.ttl),
	}
	switch {
	case stream.Status == lifecycle.StatusEnded:
		s.Reason = ReasonStreamEnded
	case s.Privileged:
		s.CanChat = true
	default:
		balance, err := a.wallet.GetBalance(ctx, userID)
		if err != nil {
			return Grant{}, apperrors.Transient("wallet unavailable", err)
		}
		s.CanChat = balance.GreaterThan(a.minBalance)
		if !s.CanChat {
			s.Reason = ReasonInsufficientBalance
		}
	}

	token, err := signSession(a.secret, s)
	if err != nil {
		return Grant{}, apperrors.Wrap(apperrors.KindInvariant, apperrors.CodeInvariant, "sign session", err)
	}

	unlock := a.locks.Lock(keylock.PairKey(userID, streamID))
	err = a.sessions.PutSession(ctx, s)
	unlock()
	if err != nil {
		return Grant{}, apperrors.Transient("persist session", err)
	}

	a.log.Debug("session issued", "user", userID, "stream", streamID, "canChat", s.CanChat, "reason", s.Reason)
	return Grant{Session: s, Token: token}, nil
}

// Authenticate verifies the credential and returns the session it names. A credential for
// a session that has since been replaced by a newer join fails with SESSION_SUPERSEDED.
func (a *Authority) Authenticate(ctx context.Context, token string) (session.ChatSession, error) {
	now := a.now()
	claims, err := parseToken(a.secret, token, now)
	if err != nil {
		return session.ChatSession{}, err
	}

	current, ok, err := a.sessions.CurrentSession(ctx, claims.Subject, claims.StreamID)
	if err != nil {
		return session.ChatSession{}, apperrors.Transient("load session", err)
	}
	if !ok {
		return session.ChatSession{}, apperrors.ErrSessionExpired
	}
	if current.ID != claims.Id {
		return session.ChatSession{}, apperrors.ErrSessionSuperseded
	}
	if current.Expired(now) {
		return session.ChatSession{}, apperrors.ErrSessionExpired
	}
	return current, nil
}

// Inspect decodes a credential without consulting storage. Used where only the claimed
// identity matters, e.g. to reject a token aimed at another stream early.
func (a *Authority) Inspect(token string) (session.ChatSession, error) {
	claims, err := parseToken(a.secret, token, a.now())
	if err != nil {
		return session.ChatSession{}, err
	}
	return claims.session(), nil
}

// Revoke ends the current session of userID on streamID.
func (a *Authority) Revoke(ctx context.Context, userID, streamID string) error {
	unlock := a.locks.Lock(keylock.PairKey(userID, streamID))
	defer unlock()
	if err := a.sessions.DeleteSession(ctx, userID, streamID); err != nil {
		return apperrors.Transient("revoke session", err)
	}
	return nil
}
