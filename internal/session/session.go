// Package session derives the signed-in user from the session token and
// carries per-session state the engine is not concerned with.
package session

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/npezzotti/go-chatsync/internal/types"
)

const (
	userIdClaim   = "user-id"
	usernameClaim = "username"
)

var (
	ErrTokenRequired  = errors.New("session token required")
	ErrInvalidClaims  = errors.New("invalid token claims")
	ErrMissingUserId  = errors.New("invalid user id claim")
	ErrSessionExpired = errors.New("session token expired")
)

// Session identifies one signed-in run of the engine.
type Session struct {
	Id        string
	Token     string
	Self      types.Participant
	ExpiresAt time.Time

	splash atomic.Bool
}

// New parses token and returns the session it describes. The signature is
// checked only when secret is set; the server verifies it on every request
// either way.
func New(token string, secret []byte, splash bool) (*Session, error) {
	if token == "" {
		return nil, ErrTokenRequired
	}

	claims, err := parseClaims(token, secret)
	if err != nil {
		return nil, err
	}

	self, err := selfFromClaims(claims)
	if err != nil {
		return nil, err
	}

	s := &Session{
		Id:    uuid.NewString(),
		Token: token,
		Self:  self,
	}
	if exp, ok := claims["exp"].(float64); ok {
		s.ExpiresAt = time.Unix(int64(exp), 0).UTC()
		if time.Now().After(s.ExpiresAt) {
			return nil, ErrSessionExpired
		}
	}
	s.splash.Store(splash)

	return s, nil
}

// UserId returns the normalized id of the signed-in user.
func (s *Session) UserId() string {
	return s.Self.UserID()
}

// Splash reports whether the post-login splash should be shown. It returns
// true at most once per session.
func (s *Session) Splash() bool {
	return s.splash.Swap(false)
}

func parseClaims(token string, secret []byte) (jwt.MapClaims, error) {
	var (
		parsed *jwt.Token
		err    error
	)
	if len(secret) > 0 {
		parsed, err = jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
	} else {
		parser := &jwt.Parser{}
		parsed, _, err = parser.ParseUnverified(token, jwt.MapClaims{})
	}
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}

func selfFromClaims(claims jwt.MapClaims) (types.Participant, error) {
	var id string
	switch v := claims[userIdClaim].(type) {
	case float64:
		id = strconv.FormatInt(int64(v), 10)
	case string:
		id = v
	}
	if id == "" {
		return types.Participant{}, ErrMissingUserId
	}

	if name, ok := claims[usernameClaim].(string); ok && name != "" {
		return types.ParticipantFromUser(types.User{Id: id, Username: name}), nil
	}
	return types.ParticipantFromID(id), nil
}
