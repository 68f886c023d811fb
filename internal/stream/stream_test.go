package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skylight-hq/presenced/internal/presence"
)

func newTestStream(t *testing.T, load LoadFunc) *Stream {
	t.Helper()
	if load == nil {
		load = func(ctx context.Context) ([]*presence.Presence, error) { return nil, nil }
	}
	s, err := New(load, MinPollingInterval, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func pres(sid string, lastModified int64) *presence.Presence {
	return &presence.Presence{
		SessionID:    sid,
		UserID:       "u1",
		LocationID:   "L1",
		LastModified: lastModified,
	}
}

func recv(t *testing.T, s *Stream) Message {
	t.Helper()
	select {
	case m, ok := <-s.Messages():
		require.True(t, ok, "stream closed unexpectedly")
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stream message")
		return Message{}
	}
}

func assertNoMessage(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case m, ok := <-s.Messages():
		if ok {
			t.Fatalf("unexpected stream message: %+v", m)
		}
	default:
	}
}

func TestNewValidatesInterval(t *testing.T) {
	load := func(ctx context.Context) ([]*presence.Presence, error) { return nil, nil }

	_, err := New(load, 9*time.Second, zap.NewNop())
	assert.Error(t, err)

	_, err = New(load, 10500*time.Millisecond, zap.NewNop())
	assert.Error(t, err)

	s, err := New(load, 10*time.Second, zap.NewNop())
	require.NoError(t, err)
	s.Close()
}

func TestAddAndRemovePresence(t *testing.T) {
	s := newTestStream(t, nil)

	s.AddPresence(pres("s1", 100))
	m := recv(t, s)
	require.Len(t, m.Added, 1)
	assert.Equal(t, "s1", m.Added[0].SessionID)

	// Stale update for the same session: no message.
	s.AddPresence(pres("s1", 50))
	assertNoMessage(t, s)

	// Fresher update: replaced.
	s.AddPresence(pres("s1", 200))
	m = recv(t, s)
	require.Len(t, m.Added, 1)
	assert.Equal(t, int64(200), m.Added[0].LastModified)

	s.RemovePresence("s1")
	m = recv(t, s)
	assert.Equal(t, []string{"s1"}, m.Removed)

	// Removing an absent session: no message.
	s.RemovePresence("s1")
	s.RemovePresence("never-seen")
	assertNoMessage(t, s)
}

func TestReload(t *testing.T) {
	snapshot := []*presence.Presence{pres("s1", 100), pres("s2", 100)}
	s := newTestStream(t, func(ctx context.Context) ([]*presence.Presence, error) {
		return snapshot, nil
	})

	clock := time.Unix(1700000000, 0)
	s.SetNowFunc(func() time.Time { return clock })

	s.Reload()
	m := recv(t, s)
	require.Len(t, m.Added, 2)

	// Same snapshot again: nothing changed, nothing emitted.
	clock = clock.Add(2 * time.Second)
	s.Reload()
	assertNoMessage(t, s)

	// s2 drops out of the snapshot.
	snapshot = []*presence.Presence{pres("s1", 100)}
	clock = clock.Add(2 * time.Second)
	s.Reload()
	m = recv(t, s)
	assert.Equal(t, []string{"s2"}, m.Removed)
}

func TestReloadRespectsFreshAPIUpdates(t *testing.T) {
	snapshot := []*presence.Presence{pres("s1", 100)}
	s := newTestStream(t, func(ctx context.Context) ([]*presence.Presence, error) {
		return snapshot, nil
	})

	clock := time.Unix(1700000000, 0)
	s.SetNowFunc(func() time.Time { return clock })

	// A removal arrives over pub/sub after the snapshot was taken but before
	// the reload lands. The stale snapshot must not resurrect the session.
	s.AddPresence(pres("s1", 200))
	recv(t, s)
	s.RemovePresence("s1")
	recv(t, s)

	clock = clock.Add(500 * time.Millisecond)
	s.Reload()
	assertNoMessage(t, s)

	// Past the freshness window the snapshot wins again.
	clock = clock.Add(2 * time.Second)
	s.Reload()
	m := recv(t, s)
	require.Len(t, m.Added, 1)
	assert.Equal(t, "s1", m.Added[0].SessionID)
}

func TestReloadIgnoresStaleData(t *testing.T) {
	snapshot := []*presence.Presence{pres("s1", 100)}
	s := newTestStream(t, func(ctx context.Context) ([]*presence.Presence, error) {
		return snapshot, nil
	})

	clock := time.Unix(1700000000, 0)
	s.SetNowFunc(func() time.Time { return clock })

	s.AddPresence(pres("s1", 300))
	recv(t, s)

	// Reload data is older than what the live feed already delivered.
	clock = clock.Add(5 * time.Second)
	s.Reload()
	assertNoMessage(t, s)
}

func TestReloadError(t *testing.T) {
	s := newTestStream(t, func(ctx context.Context) ([]*presence.Presence, error) {
		return nil, errors.New("redis down")
	})
	s.AddPresence(pres("s1", 100))
	recv(t, s)

	// A failed reload leaves the mirror untouched.
	s.Reload()
	assertNoMessage(t, s)
}

func TestFlush(t *testing.T) {
	s := newTestStream(t, nil)

	s.AddPresence(pres("s1", 100))
	recv(t, s)
	s.AddPresence(pres("s2", 100))
	recv(t, s)

	s.Flush()
	m := recv(t, s)
	assert.ElementsMatch(t, []string{"s1", "s2"}, m.Removed)

	// Flushing an empty mirror emits nothing.
	s.Flush()
	assertNoMessage(t, s)
}

func TestNotWritable(t *testing.T) {
	s := newTestStream(t, nil)
	err := s.Write(Message{Removed: []string{"s1"}})
	assert.ErrorIs(t, err, presence.ErrNotWritable)
}

func TestClose(t *testing.T) {
	s := newTestStream(t, nil)

	finalized := 0
	s.OnFinalize(func() { finalized++ })

	s.Close()
	s.Close() // idempotent

	assert.Equal(t, 1, finalized)
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
	_, ok := <-s.Messages()
	assert.False(t, ok)
	assert.NoError(t, s.Err())

	// Registering after close runs immediately.
	s.OnFinalize(func() { finalized++ })
	assert.Equal(t, 2, finalized)

	// Updates after close are ignored.
	s.AddPresence(pres("s1", 100))
}

func TestCloseWithError(t *testing.T) {
	s := newTestStream(t, nil)
	s.CloseWithError(errors.New("subscription lost"))
	<-s.Done()
	assert.EqualError(t, s.Err(), "subscription lost")
}

func TestMessageMarshalJSON(t *testing.T) {
	add := Message{Added: []*presence.Presence{{
		SessionID:    "s1",
		UserID:       "u1",
		LocationID:   "L1",
		Data:         json.RawMessage(`{"k":1}`),
		LastModified: 5,
	}}}
	b, err := json.Marshal(add)
	require.NoError(t, err)
	assert.JSONEq(t, `[true, {"sessionId":"s1","userId":"u1","locationId":"L1","data":{"k":1},"lastModified":5}]`, string(b))

	rm := Message{Removed: []string{"s1", "s2"}}
	b, err = json.Marshal(rm)
	require.NoError(t, err)
	assert.JSONEq(t, `[false, "s1", "s2"]`, string(b))
}
