// Package service implements the externally-visible presence operations:
// submit, remove, point lookups and subscription streams. It enforces auth,
// validates entities, and owns the lifecycle of the streams it hands out.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skylight-hq/presenced/internal/auth"
	"github.com/skylight-hq/presenced/internal/connmgr"
	"github.com/skylight-hq/presenced/internal/metrics"
	"github.com/skylight-hq/presenced/internal/presence"
	"github.com/skylight-hq/presenced/internal/pubsub"
	"github.com/skylight-hq/presenced/internal/store"
	"github.com/skylight-hq/presenced/internal/stream"
	"github.com/skylight-hq/presenced/internal/syncer"
)

// DefaultSizeLimit caps the encoded size of a submitted presence.
const DefaultSizeLimit = 1024

// MinSizeLimit is the lowest accepted size limit.
const MinSizeLimit = 3

// DefaultPollingInterval is the reload period for streams the service opens.
const DefaultPollingInterval = 60 * time.Second

// Config carries the per-service knobs.
type Config struct {
	// TTLSeconds is the presence expiry. Default 60, minimum 10.
	TTLSeconds int
	// SizeLimit is the maximum encoded presence size in bytes.
	SizeLimit int
	// PollingInterval is the stream reload period. Whole seconds, >= 10s.
	PollingInterval time.Duration
}

// Service serves presence operations for one authenticated session.
type Service struct {
	authz      auth.Authorizer
	store      *store.Store
	subscriber *pubsub.Subscriber
	conns      *connmgr.Manager
	engine     *syncer.Engine
	logger     *zap.Logger
	cfg        Config

	mu        sync.Mutex
	destroyed bool
	streams   map[*stream.Stream]struct{}
}

// New wires a service to its collaborators and registers its observers.
func New(authz auth.Authorizer, st *store.Store, sub *pubsub.Subscriber, conns *connmgr.Manager, cfg Config, logger *zap.Logger) (*Service, error) {
	if cfg.SizeLimit == 0 {
		cfg.SizeLimit = DefaultSizeLimit
	}
	if cfg.SizeLimit < MinSizeLimit {
		return nil, fmt.Errorf("service: size limit %d below minimum %d", cfg.SizeLimit, MinSizeLimit)
	}
	if cfg.PollingInterval == 0 {
		cfg.PollingInterval = DefaultPollingInterval
	}
	s := &Service{
		authz:      authz,
		store:      st,
		subscriber: sub,
		conns:      conns,
		logger:     logger,
		cfg:        cfg,
		streams:    make(map[*stream.Stream]struct{}),
	}
	engine, err := syncer.New(st, conns.ConnectionID, cfg.TTLSeconds, logger)
	if err != nil {
		return nil, err
	}
	s.engine = engine
	authz.Subscribe(s)
	conns.Subscribe(s)
	return s, nil
}

// Engine exposes the sync engine, mainly so callers can observe in-sync
// transitions.
func (s *Service) Engine() *syncer.Engine {
	return s.engine
}

// SubmitPresence validates and accepts a presence submission, scheduling the
// reconciliation that writes it to Redis.
func (s *Service) SubmitPresence(ctx context.Context, p *presence.Presence) error {
	if s.isDestroyed() {
		return presence.ErrDestroyed
	}
	if err := p.Validate(); err != nil {
		return err
	}
	sid, okS := s.authz.SessionID()
	uid, okU := s.authz.UserID()
	if !okS || !okU {
		return presence.ErrNoUser
	}
	if p.SessionID != sid || p.UserID != uid {
		return fmt.Errorf("%w: submitted %s/%s, authenticated %s/%s",
			presence.ErrMismatch, p.SessionID, p.UserID, sid, uid)
	}
	stamped := *p
	stamped.LastModified = time.Now().UnixMilli()
	if size := stamped.EncodedSize(); size > s.cfg.SizeLimit {
		return fmt.Errorf("%w: %d bytes over limit %d", presence.ErrSizeLimit, size, s.cfg.SizeLimit)
	}
	allowed, err := s.authz.MayWritePresence(ctx, &stamped)
	if err != nil {
		return fmt.Errorf("write authorization: %w", err)
	}
	if !allowed {
		return presence.ErrNotAuthorized
	}
	s.engine.SetPresence(&stamped)
	metrics.PresenceSubmits.Inc()
	return nil
}

// RemovePresence withdraws the session's presence.
func (s *Service) RemovePresence() error {
	if s.isDestroyed() {
		return presence.ErrDestroyed
	}
	s.engine.Remove()
	metrics.PresenceRemoves.Inc()
	return nil
}

// GetPresenceBySessionID returns one presence, or nil when absent or not
// visible to the caller.
func (s *Service) GetPresenceBySessionID(ctx context.Context, sessionID string) (*presence.Presence, error) {
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	metrics.PresenceQueries.WithLabelValues("session").Inc()
	p, err := s.store.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	allowed, err := s.authz.MayReadPresence(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%w: read authorization: %v", presence.ErrLoadFailed, err)
	}
	if !allowed {
		// Denied reads look identical to absent presence.
		return nil, nil
	}
	return p, nil
}

// GetPresenceByUserID returns the user's presences the caller may read.
func (s *Service) GetPresenceByUserID(ctx context.Context, userID string) ([]*presence.Presence, error) {
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	metrics.PresenceQueries.WithLabelValues("user").Inc()
	list, err := s.store.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.filterReadable(ctx, list)
}

// GetPresenceByLocationID returns the location's presences the caller may read.
func (s *Service) GetPresenceByLocationID(ctx context.Context, locationID string) ([]*presence.Presence, error) {
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	metrics.PresenceQueries.WithLabelValues("location").Inc()
	list, err := s.store.GetByLocationID(ctx, locationID)
	if err != nil {
		return nil, err
	}
	return s.filterReadable(ctx, list)
}

// StreamPresenceBySessionID streams changes to one session's presence.
func (s *Service) StreamPresenceBySessionID(sessionID string) (*stream.Stream, error) {
	return s.openStream(
		store.SessionKey(sessionID),
		func(ctx context.Context) ([]*presence.Presence, error) {
			p, err := s.GetPresenceBySessionID(ctx, sessionID)
			if err != nil {
				return nil, err
			}
			if p == nil {
				return nil, nil
			}
			return []*presence.Presence{p}, nil
		},
		func(p *presence.Presence) bool { return p != nil },
	)
}

// StreamPresenceByUserID streams the presence set of one user.
func (s *Service) StreamPresenceByUserID(userID string) (*stream.Stream, error) {
	return s.openStream(
		store.UserKey(userID),
		func(ctx context.Context) ([]*presence.Presence, error) {
			return s.GetPresenceByUserID(ctx, userID)
		},
		func(p *presence.Presence) bool { return p != nil && p.UserID == userID },
	)
}

// StreamPresenceByLocationID streams the presence set at one location.
func (s *Service) StreamPresenceByLocationID(locationID string) (*stream.Stream, error) {
	return s.openStream(
		store.LocationKey(locationID),
		func(ctx context.Context) ([]*presence.Presence, error) {
			return s.GetPresenceByLocationID(ctx, locationID)
		},
		func(p *presence.Presence) bool { return p != nil && p.LocationID == locationID },
	)
}

// openStream builds a stream whose mirror is driven by the named notification
// channel plus periodic reloads, and registers it in the owned set.
func (s *Service) openStream(channel string, load stream.LoadFunc, shouldAdd func(*presence.Presence) bool) (*stream.Stream, error) {
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	st, err := stream.New(load, s.cfg.PollingInterval, s.logger)
	if err != nil {
		return nil, err
	}
	listener := &streamListener{svc: s, st: st, shouldAdd: shouldAdd}
	s.subscriber.OnChannel(channel, listener)
	st.OnFinalize(func() {
		s.subscriber.OffChannel(channel, listener)
		s.mu.Lock()
		delete(s.streams, st)
		s.mu.Unlock()
	})

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		st.Close()
		return nil, presence.ErrDestroyed
	}
	s.streams[st] = struct{}{}
	s.mu.Unlock()

	st.Start()
	return st, nil
}

// Destroy cancels timers, destroys every owned stream, scrubs the owned
// presence and removes all collaborator observers.
func (s *Service) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	streams := make([]*stream.Stream, 0, len(s.streams))
	for st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		st.Close()
	}
	s.engine.Destroy()
	s.authz.Unsubscribe(s)
	s.conns.Unsubscribe(s)
	s.logger.Info("presence service destroyed")
}

// OnInactive implements auth.Observer: an ended session scrubs its presence.
func (s *Service) OnInactive() {
	if s.isDestroyed() {
		return
	}
	s.engine.Remove()
}

// OnDestroy implements auth.Observer.
func (s *Service) OnDestroy() {
	s.Destroy()
}

// OnConnectionID implements connmgr.Observer: a fresh connection id re-claims
// the stored record and reloads every stream mirror.
func (s *Service) OnConnectionID(id string) {
	if s.isDestroyed() {
		return
	}
	s.engine.OnConnectionReady()
	for _, st := range s.snapshotStreams() {
		go st.Reload()
	}
}

// OnConnectionLost implements connmgr.Observer: mirrors fed by a dead
// connection are flushed.
func (s *Service) OnConnectionLost() {
	for _, st := range s.snapshotStreams() {
		st.Flush()
	}
}

// OnError implements connmgr.Observer.
func (s *Service) OnError(err error) {
	s.logger.Error("connection manager error", zap.Error(err))
}

func (s *Service) checkRead() error {
	if s.isDestroyed() {
		return presence.ErrDestroyed
	}
	if _, ok := s.authz.UserID(); !ok {
		return presence.ErrNoUser
	}
	return nil
}

func (s *Service) filterReadable(ctx context.Context, list []*presence.Presence) ([]*presence.Presence, error) {
	out := make([]*presence.Presence, 0, len(list))
	for _, p := range list {
		allowed, err := s.authz.MayReadPresence(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("%w: read authorization: %v", presence.ErrLoadFailed, err)
		}
		if allowed {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Service) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *Service) snapshotStreams() []*stream.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*stream.Stream, 0, len(s.streams))
	for st := range s.streams {
		out = append(out, st)
	}
	return out
}

// streamListener feeds one stream from its notification channel. Every
// payload is a session id; a fresh authorized lookup decides whether that
// session still belongs in the mirrored set.
type streamListener struct {
	svc       *Service
	st        *stream.Stream
	shouldAdd func(*presence.Presence) bool
}

// OnActive fires on first subscription and after every reconnect; both cases
// want a full reload so the mirror catches changes made while deaf.
func (l *streamListener) OnActive(channel string) {
	go l.st.Reload()
}

// OnInactive flushes the mirror: without live notifications it cannot be
// trusted.
func (l *streamListener) OnInactive(channel string) {
	l.st.Flush()
}

func (l *streamListener) OnMessage(channel, payload string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := l.svc.GetPresenceBySessionID(ctx, payload)
	if err != nil {
		l.svc.logger.Warn("stream notification lookup failed",
			zap.String("session_id", payload), zap.Error(err))
		return
	}
	if l.shouldAdd(p) {
		l.st.AddPresence(p)
		return
	}
	l.st.RemovePresence(payload)
}
