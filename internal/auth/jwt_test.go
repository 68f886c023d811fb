package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylight-hq/presenced/internal/presence"
)

var testKey = []byte("test-signing-key")

func mintToken(t *testing.T, userID, sessionID string, expiresIn time.Duration) string {
	t.Helper()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: userID,
		},
		SessionID: sessionID,
	}
	if expiresIn != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(expiresIn))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	require.NoError(t, err)
	return token
}

type sessionEvents struct {
	mu        sync.Mutex
	inactive  int
	destroyed int
}

func (s *sessionEvents) OnInactive() { s.mu.Lock(); s.inactive++; s.mu.Unlock() }
func (s *sessionEvents) OnDestroy()  { s.mu.Lock(); s.destroyed++; s.mu.Unlock() }

func (s *sessionEvents) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inactive, s.destroyed
}

func TestNewJWTAuthorizer(t *testing.T) {
	a, err := NewJWTAuthorizer(mintToken(t, "u1", "s1", time.Hour), testKey)
	require.NoError(t, err)

	assert.True(t, a.Active())
	sid, ok := a.SessionID()
	require.True(t, ok)
	assert.Equal(t, "s1", sid)
	uid, ok := a.UserID()
	require.True(t, ok)
	assert.Equal(t, "u1", uid)
}

func TestNewJWTAuthorizerRejectsBadTokens(t *testing.T) {
	// Wrong key.
	_, err := NewJWTAuthorizer(mintToken(t, "u1", "s1", time.Hour), []byte("other-key"))
	assert.Error(t, err)

	// Expired.
	_, err = NewJWTAuthorizer(mintToken(t, "u1", "s1", -time.Minute), testKey)
	assert.Error(t, err)

	// Missing claims.
	_, err = NewJWTAuthorizer(mintToken(t, "", "s1", time.Hour), testKey)
	assert.Error(t, err)
	_, err = NewJWTAuthorizer(mintToken(t, "u1", "", time.Hour), testKey)
	assert.Error(t, err)

	// Not a token at all.
	_, err = NewJWTAuthorizer("garbage", testKey)
	assert.Error(t, err)

	// Unsigned tokens are rejected by the method check.
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
		SessionID:        "s1",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = NewJWTAuthorizer(unsigned, testKey)
	assert.Error(t, err)
}

func TestJWTAuthorizerExpiry(t *testing.T) {
	a, err := NewJWTAuthorizer(mintToken(t, "u1", "s1", 50*time.Millisecond), testKey)
	require.NoError(t, err)

	ev := &sessionEvents{}
	a.Subscribe(ev)

	require.Eventually(t, func() bool {
		inactive, _ := ev.counts()
		return inactive == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, a.Active())
	_, ok := a.SessionID()
	assert.False(t, ok)
}

func TestJWTAuthorizerPermissions(t *testing.T) {
	a, err := NewJWTAuthorizer(mintToken(t, "u1", "s1", time.Hour), testKey)
	require.NoError(t, err)
	ctx := context.Background()

	own := &presence.Presence{SessionID: "s1", UserID: "u1", LocationID: "L1"}
	other := &presence.Presence{SessionID: "s2", UserID: "u2", LocationID: "L1"}

	ok, err := a.MayWritePresence(ctx, own)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.MayWritePresence(ctx, other)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.MayReadPresence(ctx, other)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJWTAuthorizerDestroy(t *testing.T) {
	a, err := NewJWTAuthorizer(mintToken(t, "u1", "s1", time.Hour), testKey)
	require.NoError(t, err)

	ev := &sessionEvents{}
	a.Subscribe(ev)

	a.Destroy()
	a.Destroy() // idempotent
	_, destroyed := ev.counts()
	assert.Equal(t, 1, destroyed)
	assert.False(t, a.Active())
}

func TestStaticAuthorizer(t *testing.T) {
	a := NewStaticAuthorizer("s1", "u1")
	ctx := context.Background()

	assert.True(t, a.Active())
	a.ReadFilter = func(p *presence.Presence) bool { return p.LocationID == "L1" }

	ok, err := a.MayReadPresence(ctx, &presence.Presence{LocationID: "L1"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.MayReadPresence(ctx, &presence.Presence{LocationID: "L2"})
	require.NoError(t, err)
	assert.False(t, ok)

	ev := &sessionEvents{}
	a.Subscribe(ev)
	a.SetInactive()
	a.SetInactive()
	inactive, _ := ev.counts()
	assert.Equal(t, 1, inactive)
	assert.False(t, a.Active())
}
