package access

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/zhouzirui/z-live/backend/internal/model/identity"
	"github.com/zhouzirui/z-live/backend/internal/model/session"
	apperrors "github.com/zhouzirui/z-live/backend/pkg/errors"
)

// sessionClaims is the signed form of a ChatSession.
type sessionClaims struct {
	StreamID   string `json:"stream"`
	Role       string `json:"role"`
	Privileged bool   `json:"priv"`
	CanChat    bool   `json:"chat"`
	CanView    bool   `json:"view"`
	jwt.StandardClaims
}

// Valid is a no-op; expiry is checked against the service clock in parseToken.
func (c sessionClaims) Valid() error { return nil }

func signSession(secret []byte, s session.ChatSession) (string, error) {
	claims := sessionClaims{
		StreamID:   s.StreamID,
		Role:       string(s.Role),
		Privileged: s.Privileged,
		CanChat:    s.CanChat,
		CanView:    s.CanView,
		StandardClaims: jwt.StandardClaims{
			Id:        s.ID,
			Subject:   s.UserID,
			IssuedAt:  s.IssuedAt.Unix(),
			ExpiresAt: s.ExpiresAt.Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign session credential: %w", err)
	}
	return signed, nil
}

func parseToken(secret []byte, raw string, now time.Time) (sessionClaims, error) {
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return sessionClaims{}, apperrors.ErrInvalidToken
	}
	if claims.Id == "" || claims.Subject == "" || claims.StreamID == "" {
		return sessionClaims{}, apperrors.ErrInvalidToken
	}
	if now.Unix() >= claims.ExpiresAt {
		return sessionClaims{}, apperrors.ErrSessionExpired
	}
	return claims, nil
}

func (c sessionClaims) session() session.ChatSession {
	return session.ChatSession{
		ID:         c.Id,
		StreamID:   c.StreamID,
		UserID:     c.Subject,
		Role:       identity.Role(c.Role),
		Privileged: c.Privileged,
		CanChat:    c.CanChat,
		CanView:    c.CanView,
		IssuedAt:   time.Unix(c.IssuedAt, 0).UTC(),
		ExpiresAt:  time.Unix(c.ExpiresAt, 0).UTC(),
	}
}
