// Package syncer keeps the authoritative Redis-resident presence record for
// one locally-owned session continuously aligned with the client's submitted
// presence: TTL refresh, coalesced updates and jittered retry.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skylight-hq/presenced/internal/metrics"
	"github.com/skylight-hq/presenced/internal/presence"
	"github.com/skylight-hq/presenced/internal/store"
)

// DefaultTTL is the presence expiry applied when none is configured.
const DefaultTTL = 60

// MinTTL is the lowest accepted presence expiry, in seconds.
const MinTTL = 10

var errNotConnected = errors.New("syncer: no redis connection id")

// ConnIDFunc supplies the connection id writes are attributed to. ok=false
// means not currently connected and the write is retried later.
type ConnIDFunc func() (string, bool)

// Observer receives the latched in-sync/out-of-sync transitions and
// background reconciliation errors.
type Observer interface {
	OnInSync()
	OnOutOfSync()
	OnSyncError(err error)
}

// Engine reconciles the intended presence of one session against Redis.
// Mutations are serialized by the engine's own lock; at most one Redis call
// is in flight at a time.
type Engine struct {
	store  *store.Store
	connID ConnIDFunc
	logger *zap.Logger
	ttl    int

	mu          sync.Mutex
	observers   map[Observer]struct{}
	intended    *presence.Presence
	shouldStore bool
	modified    bool
	inSync      bool
	updating    bool
	destroyed   bool
	timer       *time.Timer
	ctx         context.Context
	cancel      context.CancelFunc
}

// New creates an engine. ttlSeconds below MinTTL is a construction error.
func New(st *store.Store, connID ConnIDFunc, ttlSeconds int, logger *zap.Logger) (*Engine, error) {
	if ttlSeconds == 0 {
		ttlSeconds = DefaultTTL
	}
	if ttlSeconds < MinTTL {
		return nil, fmt.Errorf("syncer: ttl %ds below minimum %ds", ttlSeconds, MinTTL)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:     st,
		connID:    connID,
		logger:    logger,
		ttl:       ttlSeconds,
		observers: make(map[Observer]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Subscribe registers an observer.
func (e *Engine) Subscribe(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers[o] = struct{}{}
}

// Unsubscribe removes an observer.
func (e *Engine) Unsubscribe(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.observers, o)
}

// SetPresence replaces the intended presence and schedules reconciliation.
func (e *Engine) SetPresence(p *presence.Presence) {
	e.mu.Lock()
	e.intended = p
	e.shouldStore = true
	e.modified = true
	e.mu.Unlock()
	e.schedule(0)
}

// Remove marks the intent as absent and schedules reconciliation. Removing
// twice is equivalent to removing once.
func (e *Engine) Remove() {
	e.mu.Lock()
	e.shouldStore = false
	e.modified = true
	e.mu.Unlock()
	e.schedule(0)
}

// OnConnectionReady forces a full rewrite, re-claiming the session under the
// freshly obtained connection id.
func (e *Engine) OnConnectionReady() {
	e.mu.Lock()
	if e.intended == nil || !e.shouldStore {
		e.mu.Unlock()
		return
	}
	e.modified = true
	e.mu.Unlock()
	e.schedule(0)
}

// Destroy scrubs the stored record and stops refresh scheduling. The final
// delete is still retried on failure so the record does not leak.
func (e *Engine) Destroy() {
	e.mu.Lock()
	e.destroyed = true
	e.shouldStore = false
	e.modified = true
	e.mu.Unlock()
	e.schedule(0)
}

// InSync reports the latched sync state.
func (e *Engine) InSync() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inSync
}

func (e *Engine) schedule(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduleLocked(d)
}

// scheduleLocked arms the shared timer. Caller holds e.mu, so scheduling is
// ordered against concurrent mutators: whichever runs last wins the timer.
func (e *Engine) scheduleLocked(d time.Duration) {
	if e.ctx.Err() != nil {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(d, e.updateRedis)
}

// updateRedis is the reconciliation step. It runs off the shared timer; the
// updating latch keeps concurrent fires from overlapping.
func (e *Engine) updateRedis() {
	e.mu.Lock()
	if e.updating || e.intended == nil {
		e.mu.Unlock()
		return
	}
	e.updating = true
	wasModified := e.modified
	e.modified = false
	becameOutOfSync := wasModified && e.inSync
	if becameOutOfSync {
		e.inSync = false
	}
	p := e.intended
	shouldStore := e.shouldStore
	observers := e.snapshot()
	e.mu.Unlock()

	if becameOutOfSync {
		metrics.SyncTransitions.WithLabelValues("out_of_sync").Inc()
		for _, o := range observers {
			o.OnOutOfSync()
		}
	}

	var err error
	switch {
	case shouldStore:
		if cid, ok := e.connID(); ok {
			ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
			err = e.store.Update(ctx, p, cid, e.ttl, wasModified)
			cancel()
		} else {
			err = errNotConnected
		}
	case wasModified:
		ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
		err = e.store.Delete(ctx, p.SessionID)
		cancel()
	}

	e.mu.Lock()
	e.updating = false
	if e.ctx.Err() != nil {
		// Reply arrived after the engine was torn down; discard.
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.modified = wasModified
		observers = e.snapshot()
		// Arm the retry before releasing the lock: a mutator's schedule(0)
		// must not be stomped by this timer landing afterwards.
		e.scheduleLocked(retryDelay())
		e.mu.Unlock()
		metrics.SyncErrors.Inc()
		e.logger.Warn("presence reconciliation failed, retrying",
			zap.String("session_id", p.SessionID), zap.Error(err))
		for _, o := range observers {
			o.OnSyncError(err)
		}
		return
	}
	if e.modified {
		// Intent changed while the call was in flight; re-run immediately.
		e.scheduleLocked(0)
		e.mu.Unlock()
		return
	}
	becameInSync := !e.inSync
	e.inSync = true
	if e.shouldStore && !e.destroyed {
		e.scheduleLocked(time.Duration(e.ttl-1) * time.Second)
	}
	observers = e.snapshot()
	e.mu.Unlock()

	if becameInSync {
		metrics.SyncTransitions.WithLabelValues("in_sync").Inc()
		for _, o := range observers {
			o.OnInSync()
		}
	}
}

// Close cancels the pending timer and discards in-flight replies.
func (e *Engine) Close() {
	e.mu.Lock()
	e.destroyed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()
	e.cancel()
}

func (e *Engine) snapshot() []Observer {
	out := make([]Observer, 0, len(e.observers))
	for o := range e.observers {
		out = append(out, o)
	}
	return out
}

// retryDelay spreads failed reconciliations over 1-10 seconds so a Redis
// hiccup does not produce a synchronized thundering herd.
func retryDelay() time.Duration {
	return time.Second + time.Duration(rand.Int63n(int64(9*time.Second)))
}
