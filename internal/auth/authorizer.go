// Package auth defines the authentication collaborator the presence service
// depends on, plus the JWT-backed implementation used by the server.
package auth

import (
	"context"
	"sync"

	"github.com/skylight-hq/presenced/internal/presence"
)

// Observer is notified when an authorizer's session ends.
type Observer interface {
	// OnInactive fires when the session stops being valid; the service
	// reacts by scrubbing the owned presence.
	OnInactive()
	// OnDestroy fires when the authorizer is torn down; the service cascades
	// its own destruction.
	OnDestroy()
}

// Authorizer is the authentication and authorization collaborator. The
// predicate calls may block (e.g. on a policy lookup) and therefore take a
// context.
type Authorizer interface {
	Active() bool
	SessionID() (string, bool)
	UserID() (string, bool)
	MayReadPresence(ctx context.Context, p *presence.Presence) (bool, error)
	MayWritePresence(ctx context.Context, p *presence.Presence) (bool, error)
	Subscribe(o Observer)
	Unsubscribe(o Observer)
}

// observerSet is the shared Subscribe/Unsubscribe plumbing.
type observerSet struct {
	mu        sync.Mutex
	observers map[Observer]struct{}
}

func newObserverSet() observerSet {
	return observerSet{observers: make(map[Observer]struct{})}
}

func (s *observerSet) Subscribe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers[o] = struct{}{}
}

func (s *observerSet) Unsubscribe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, o)
}

func (s *observerSet) snapshot() []Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Observer, 0, len(s.observers))
	for o := range s.observers {
		out = append(out, o)
	}
	return out
}
