// Package stream implements the incremental presence stream: a read-only
// message source that mirrors a presence set by combining periodic reloads
// with live pub/sub driven updates.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skylight-hq/presenced/internal/metrics"
	"github.com/skylight-hq/presenced/internal/presence"
)

// MinPollingInterval is the lowest accepted reload period.
const MinPollingInterval = 10 * time.Second

// apiFreshness is how long a live pub/sub driven update outranks reload data.
// Reloads read state that may be slightly stale; a reload arriving within
// this window of an API update must not override it.
const apiFreshness = time.Second

const outBuffer = 256

// Message is one incremental change batch. Exactly one of Added/Removed is
// populated. The wire form is [true, presence...] or [false, sessionId...].
type Message struct {
	Added   []*presence.Presence
	Removed []string
}

// MarshalJSON emits the positional wire form.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Added) > 0 {
		parts := make([]interface{}, 0, len(m.Added)+1)
		parts = append(parts, true)
		for _, p := range m.Added {
			parts = append(parts, p)
		}
		return json.Marshal(parts)
	}
	parts := make([]interface{}, 0, len(m.Removed)+1)
	parts = append(parts, false)
	for _, sid := range m.Removed {
		parts = append(parts, sid)
	}
	return json.Marshal(parts)
}

// LoadFunc returns a snapshot of the mirrored presence set.
type LoadFunc func(ctx context.Context) ([]*presence.Presence, error)

type entry struct {
	apiLastUpdated  time.Time
	loadLastUpdated time.Time
	presence        *presence.Presence
}

// Stream mirrors one presence set. It is not writable: its only producer is
// the service that owns it.
type Stream struct {
	load     LoadFunc
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu         sync.Mutex
	entries    map[string]*entry
	out        chan Message
	done       chan struct{}
	closed     bool
	err        error
	finalizers []func()
	pollStop   chan struct{}
}

// New constructs a stream. pollingInterval must be a whole number of seconds
// and at least MinPollingInterval.
func New(load LoadFunc, pollingInterval time.Duration, logger *zap.Logger) (*Stream, error) {
	if pollingInterval < MinPollingInterval {
		return nil, fmt.Errorf("stream: polling interval %v below minimum %v", pollingInterval, MinPollingInterval)
	}
	if pollingInterval%time.Second != 0 {
		return nil, fmt.Errorf("stream: polling interval %v is not a whole number of seconds", pollingInterval)
	}
	s := &Stream{
		load:     load,
		interval: pollingInterval,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[string]*entry),
		out:      make(chan Message, outBuffer),
		done:     make(chan struct{}),
		pollStop: make(chan struct{}),
	}
	metrics.StreamsOpen.Inc()
	return s, nil
}

// Start launches the periodic reload loop.
func (s *Stream) Start() {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.pollStop:
				return
			case <-ticker.C:
				s.Reload()
			}
		}
	}()
}

// Messages is the stream output. It is closed when the stream closes.
func (s *Stream) Messages() <-chan Message {
	return s.out
}

// Done is closed when the stream closes.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the error the stream was closed with, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Write always fails: the stream is a read-only mirror.
func (s *Stream) Write(Message) error {
	return presence.ErrNotWritable
}

// AddPresence applies a live update for one session. Fresher data replaces
// stale data; an equal-or-older lastModified only refreshes the API stamp.
func (s *Stream) AddPresence(p *presence.Presence) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	now := s.now()
	ent := s.entries[p.SessionID]
	if ent == nil {
		s.entries[p.SessionID] = &entry{apiLastUpdated: now, presence: p}
		s.emitLocked(Message{Added: []*presence.Presence{p}})
		s.mu.Unlock()
		return
	}
	ent.apiLastUpdated = now
	if ent.presence == nil || ent.presence.LastModified < p.LastModified {
		ent.presence = p
		s.emitLocked(Message{Added: []*presence.Presence{p}})
	}
	s.mu.Unlock()
}

// RemovePresence applies a live removal for one session.
func (s *Stream) RemovePresence(sessionID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ent := s.entries[sessionID]
	if ent != nil && ent.presence != nil {
		ent.presence = nil
		ent.apiLastUpdated = s.now()
		s.emitLocked(Message{Removed: []string{sessionID}})
	}
	s.mu.Unlock()
}

// Reload pulls a fresh snapshot and applies it.
func (s *Stream) Reload() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	loaded, err := s.load(ctx)
	if err != nil {
		s.logger.Warn("stream reload failed", zap.Error(err))
		return
	}
	s.applyReload(loaded)
}

// applyReload merges a snapshot into the mirror. Entries touched by a live
// update within the freshness window are left alone; entries absent from the
// snapshot and past the window are dropped.
func (s *Stream) applyReload(loaded []*presence.Presence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	now := s.now()
	var added []*presence.Presence
	for _, p := range loaded {
		ent := s.entries[p.SessionID]
		if ent == nil {
			ent = &entry{}
			s.entries[p.SessionID] = ent
		}
		ent.loadLastUpdated = now
		if now.Sub(ent.apiLastUpdated) >= apiFreshness &&
			(ent.presence == nil || ent.presence.LastModified < p.LastModified) {
			ent.presence = p
			added = append(added, p)
		}
	}
	var removed []string
	for sid, ent := range s.entries {
		if !ent.loadLastUpdated.Equal(now) && now.Sub(ent.apiLastUpdated) >= apiFreshness {
			delete(s.entries, sid)
			if ent.presence != nil {
				removed = append(removed, sid)
			}
		}
	}
	if len(added) > 0 {
		s.emitLocked(Message{Added: added})
	}
	if len(removed) > 0 {
		s.emitLocked(Message{Removed: removed})
	}
}

// Flush empties the mirror, emitting removals for everything present. Used
// when the live notification feed drops and the mirror can no longer be
// trusted.
func (s *Stream) Flush() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var removed []string
	for sid, ent := range s.entries {
		if ent.presence != nil {
			removed = append(removed, sid)
		}
		delete(s.entries, sid)
	}
	if len(removed) > 0 {
		s.emitLocked(Message{Removed: removed})
	}
	s.mu.Unlock()
}

// OnFinalize registers a cleanup hook run exactly once at close.
func (s *Stream) OnFinalize(f func()) {
	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.finalizers = append(s.finalizers, f)
	}
	s.mu.Unlock()
	if closed {
		f()
	}
}

// Close closes the stream without an error.
func (s *Stream) Close() {
	s.closeWith(nil)
}

// CloseWithError records err, then closes. Consumers observe the error via
// Err after the output channel closes.
func (s *Stream) CloseWithError(err error) {
	s.closeWith(err)
}

func (s *Stream) closeWith(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	finalizers := s.finalizers
	s.finalizers = nil
	s.mu.Unlock()

	close(s.pollStop)
	for _, f := range finalizers {
		f()
	}
	close(s.done)
	close(s.out)
	metrics.StreamsOpen.Dec()
}

// SetNowFunc overrides the stream clock. Test seam.
func (s *Stream) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Stream) emitLocked(m Message) {
	kind := "add"
	if len(m.Removed) > 0 {
		kind = "remove"
	}
	select {
	case s.out <- m:
		metrics.StreamMessages.WithLabelValues(kind).Inc()
	default:
		// Consumer is not draining; drop rather than stall the mirror.
		s.logger.Warn("stream consumer is slow, dropping message", zap.String("kind", kind))
	}
}
