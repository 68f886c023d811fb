package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skylight-hq/presenced/internal/auth"
	"github.com/skylight-hq/presenced/internal/connmgr"
	"github.com/skylight-hq/presenced/internal/presence"
	"github.com/skylight-hq/presenced/internal/pubsub"
	"github.com/skylight-hq/presenced/internal/store"
	"github.com/skylight-hq/presenced/internal/stream"
)

type harness struct {
	svc   *Service
	st    *store.Store
	authz *auth.StaticAuthorizer
	conns *connmgr.Manager
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	subClient := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { subClient.Close() })

	logger := zap.NewNop()
	st := store.New(client, logger)
	conns := connmgr.For(client, st, logger, connmgr.Options{
		PruningInterval: time.Hour,
		ClientID: func(ctx context.Context, conn *redis.Conn) (string, error) {
			return "self", nil
		},
		LiveConnections: func(ctx context.Context) (map[string]struct{}, error) {
			return map[string]struct{}{"self": {}}, nil
		},
	})
	t.Cleanup(conns.Close)
	sub := pubsub.For(subClient, logger)
	t.Cleanup(func() { sub.Close() })

	authz := auth.NewStaticAuthorizer("s1", "u1")
	svc, err := New(authz, st, sub, conns, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(svc.Destroy)

	// Wait for the connection id so submissions can be claimed.
	require.Eventually(t, func() bool {
		_, ok := conns.ConnectionID()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	return &harness{svc: svc, st: st, authz: authz, conns: conns}
}

func ownPresence() *presence.Presence {
	return &presence.Presence{
		SessionID:  "s1",
		UserID:     "u1",
		LocationID: "L1",
		Data:       json.RawMessage(`{"status":"online"}`),
	}
}

// seedForeign writes a presence owned by another server's connection.
func seedForeign(t *testing.T, st *store.Store, sid, uid, lid string) {
	t.Helper()
	p := &presence.Presence{
		SessionID:    sid,
		UserID:       uid,
		LocationID:   lid,
		LastModified: time.Now().UnixMilli(),
	}
	require.NoError(t, st.Update(context.Background(), p, "other", 60, true))
}

func waitStored(t *testing.T, h *harness, sid string) *presence.Presence {
	t.Helper()
	var got *presence.Presence
	require.Eventually(t, func() bool {
		p, err := h.st.GetBySessionID(context.Background(), sid)
		if err != nil || p == nil {
			return false
		}
		got = p
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func waitGone(t *testing.T, h *harness, sid string) {
	t.Helper()
	require.Eventually(t, func() bool {
		p, err := h.st.GetBySessionID(context.Background(), sid)
		return err == nil && p == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitAndQuery(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	before := time.Now().UnixMilli()
	require.NoError(t, h.svc.SubmitPresence(ctx, ownPresence()))

	stored := waitStored(t, h, "s1")
	assert.Equal(t, "u1", stored.UserID)
	assert.Equal(t, "L1", stored.LocationID)
	assert.JSONEq(t, `{"status":"online"}`, string(stored.Data))
	assert.GreaterOrEqual(t, stored.LastModified, before)
	require.Eventually(t, h.svc.Engine().InSync, 2*time.Second, 10*time.Millisecond)

	got, err := h.svc.GetPresenceBySessionID(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)

	list, err := h.svc.GetPresenceByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = h.svc.GetPresenceByLocationID(ctx, "L1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	err := h.svc.SubmitPresence(ctx, &presence.Presence{SessionID: "s1", UserID: "u1"})
	assert.ErrorIs(t, err, presence.ErrInvalidEntity)

	p := ownPresence()
	p.SessionID = "someone-else"
	assert.ErrorIs(t, h.svc.SubmitPresence(ctx, p), presence.ErrMismatch)

	p = ownPresence()
	p.UserID = "u2"
	assert.ErrorIs(t, h.svc.SubmitPresence(ctx, p), presence.ErrMismatch)
}

func TestSubmitEnforcesSizeLimit(t *testing.T) {
	h := newHarness(t, Config{SizeLimit: 64})
	ctx := context.Background()

	p := ownPresence()
	p.Data = json.RawMessage(`{"blob":"small"}`)
	require.NoError(t, h.svc.SubmitPresence(ctx, p))

	big := make([]byte, 80)
	for i := range big {
		big[i] = 'x'
	}
	p = ownPresence()
	p.Data = json.RawMessage(`{"blob":"` + string(big) + `"}`)
	assert.ErrorIs(t, h.svc.SubmitPresence(ctx, p), presence.ErrSizeLimit)
}

func TestRemovePresence(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	require.NoError(t, h.svc.SubmitPresence(ctx, ownPresence()))
	waitStored(t, h, "s1")

	require.NoError(t, h.svc.RemovePresence())
	waitGone(t, h, "s1")
}

func TestInactiveSessionScrubsPresence(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	require.NoError(t, h.svc.SubmitPresence(ctx, ownPresence()))
	waitStored(t, h, "s1")

	h.authz.SetInactive()
	waitGone(t, h, "s1")

	// Queries now fail: the session no longer has a user.
	_, err := h.svc.GetPresenceBySessionID(ctx, "s1")
	assert.ErrorIs(t, err, presence.ErrNoUser)
}

func TestDestroy(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	require.NoError(t, h.svc.SubmitPresence(ctx, ownPresence()))
	waitStored(t, h, "s1")

	h.svc.Destroy()
	waitGone(t, h, "s1")

	assert.ErrorIs(t, h.svc.SubmitPresence(ctx, ownPresence()), presence.ErrDestroyed)
	assert.ErrorIs(t, h.svc.RemovePresence(), presence.ErrDestroyed)
	_, err := h.svc.GetPresenceBySessionID(ctx, "s1")
	assert.ErrorIs(t, err, presence.ErrDestroyed)
	_, err = h.svc.StreamPresenceByLocationID("L1")
	assert.ErrorIs(t, err, presence.ErrDestroyed)
}

func TestReadFilter(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	seedForeign(t, h.st, "s2", "u2", "L1")
	seedForeign(t, h.st, "s3", "u3", "L1")
	h.authz.ReadFilter = func(p *presence.Presence) bool { return p.UserID != "u3" }

	// Filtered reads silently drop what the caller may not see.
	list, err := h.svc.GetPresenceByLocationID(ctx, "L1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "s2", list[0].SessionID)

	// A denied point read looks absent.
	got, err := h.svc.GetPresenceBySessionID(ctx, "s3")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func recvStream(t *testing.T, st *stream.Stream) stream.Message {
	t.Helper()
	select {
	case m, ok := <-st.Messages():
		require.True(t, ok, "stream closed unexpectedly")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream message")
		return stream.Message{}
	}
}

func TestStreamPresenceByLocationID(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	st, err := h.svc.StreamPresenceByLocationID("L1")
	require.NoError(t, err)
	defer st.Close()

	// Submitting presence at the watched location produces an add.
	require.NoError(t, h.svc.SubmitPresence(ctx, ownPresence()))
	m := recvStream(t, st)
	require.Len(t, m.Added, 1)
	assert.Equal(t, "s1", m.Added[0].SessionID)
	assert.Equal(t, "L1", m.Added[0].LocationID)

	// Moving to another location produces a removal on this stream.
	moved := ownPresence()
	moved.LocationID = "L2"
	require.NoError(t, h.svc.SubmitPresence(ctx, moved))
	for {
		m = recvStream(t, st)
		if len(m.Removed) > 0 {
			assert.Equal(t, []string{"s1"}, m.Removed)
			break
		}
	}
}

func TestStreamPresenceBySessionID(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	// Pre-existing presence arrives via the initial reload.
	require.NoError(t, h.svc.SubmitPresence(ctx, ownPresence()))
	waitStored(t, h, "s1")

	st, err := h.svc.StreamPresenceBySessionID("s1")
	require.NoError(t, err)
	defer st.Close()

	m := recvStream(t, st)
	require.Len(t, m.Added, 1)
	assert.Equal(t, "s1", m.Added[0].SessionID)

	require.NoError(t, h.svc.RemovePresence())
	m = recvStream(t, st)
	assert.Equal(t, []string{"s1"}, m.Removed)
}

func TestStreamClosedOnDestroy(t *testing.T) {
	h := newHarness(t, Config{})

	st, err := h.svc.StreamPresenceByUserID("u1")
	require.NoError(t, err)

	h.svc.Destroy()
	select {
	case <-st.Done():
	case <-time.After(time.Second):
		t.Fatal("stream not closed on service destroy")
	}
}

func TestStreamIsNotWritable(t *testing.T) {
	h := newHarness(t, Config{})

	st, err := h.svc.StreamPresenceByUserID("u1")
	require.NoError(t, err)
	defer st.Close()

	assert.ErrorIs(t, st.Write(stream.Message{}), presence.ErrNotWritable)
}

func TestConfigValidation(t *testing.T) {
	h := newHarness(t, Config{})

	// Size limit below minimum is a construction error.
	_, err := New(h.authz, h.st, nil, h.conns, Config{SizeLimit: 2}, zap.NewNop())
	assert.Error(t, err)

	// TTL below minimum is a construction error.
	_, err = New(h.authz, h.st, nil, h.conns, Config{TTLSeconds: 5}, zap.NewNop())
	assert.Error(t, err)
}
