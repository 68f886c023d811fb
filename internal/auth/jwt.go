package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/skylight-hq/presenced/internal/presence"
)

// Claims are the custom JWT claims a presence token carries. The subject is
// the user id; the session id is minted per connection.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// JWTAuthorizer authorizes one session from a verified HS256 token. It
// becomes inactive when the token expires.
type JWTAuthorizer struct {
	observerSet
	sessionID string
	userID    string
	expiresAt time.Time

	mu        sync.Mutex
	inactive  bool
	destroyed bool
	expiry    *time.Timer
}

// NewJWTAuthorizer verifies tokenString against signingKey and builds an
// authorizer for the session it describes.
func NewJWTAuthorizer(tokenString string, signingKey []byte) (*JWTAuthorizer, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("token is missing sub or sid claim")
	}
	a := &JWTAuthorizer{
		observerSet: newObserverSet(),
		sessionID:   claims.SessionID,
		userID:      claims.Subject,
	}
	if claims.ExpiresAt != nil {
		a.expiresAt = claims.ExpiresAt.Time
		a.expiry = time.AfterFunc(time.Until(a.expiresAt), a.expire)
	}
	return a, nil
}

// Active reports whether the session is still valid.
func (a *JWTAuthorizer) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.inactive && !a.destroyed
}

// SessionID returns the authenticated session id.
func (a *JWTAuthorizer) SessionID() (string, bool) {
	if !a.Active() {
		return "", false
	}
	return a.sessionID, true
}

// UserID returns the authenticated user id.
func (a *JWTAuthorizer) UserID() (string, bool) {
	if !a.Active() {
		return "", false
	}
	return a.userID, true
}

// MayReadPresence allows every authenticated read. Visibility restrictions
// belong to deployments that wrap this authorizer.
func (a *JWTAuthorizer) MayReadPresence(ctx context.Context, p *presence.Presence) (bool, error) {
	return a.Active(), nil
}

// MayWritePresence allows writes for the token's own user only.
func (a *JWTAuthorizer) MayWritePresence(ctx context.Context, p *presence.Presence) (bool, error) {
	return a.Active() && p != nil && p.UserID == a.userID, nil
}

// Destroy tears the authorizer down, notifying observers.
func (a *JWTAuthorizer) Destroy() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	if a.expiry != nil {
		a.expiry.Stop()
	}
	a.mu.Unlock()
	for _, o := range a.snapshot() {
		o.OnDestroy()
	}
}

func (a *JWTAuthorizer) expire() {
	a.mu.Lock()
	if a.inactive || a.destroyed {
		a.mu.Unlock()
		return
	}
	a.inactive = true
	a.mu.Unlock()
	for _, o := range a.snapshot() {
		o.OnInactive()
	}
}
