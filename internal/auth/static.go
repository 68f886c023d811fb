package auth

import (
	"context"
	"sync"

	"github.com/skylight-hq/presenced/internal/presence"
)

// StaticAuthorizer holds a fixed session/user identity. Used by tests and by
// embedders that authenticate out of band.
type StaticAuthorizer struct {
	observerSet
	Session string
	User    string

	// ReadFilter, when set, decides per-presence read visibility.
	ReadFilter func(p *presence.Presence) bool

	mu       sync.Mutex
	inactive bool
}

// NewStaticAuthorizer builds an active authorizer for the given identity.
func NewStaticAuthorizer(sessionID, userID string) *StaticAuthorizer {
	return &StaticAuthorizer{
		observerSet: newObserverSet(),
		Session:     sessionID,
		User:        userID,
	}
}

func (a *StaticAuthorizer) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.inactive
}

func (a *StaticAuthorizer) SessionID() (string, bool) {
	if !a.Active() {
		return "", false
	}
	return a.Session, true
}

func (a *StaticAuthorizer) UserID() (string, bool) {
	if !a.Active() {
		return "", false
	}
	return a.User, true
}

func (a *StaticAuthorizer) MayReadPresence(ctx context.Context, p *presence.Presence) (bool, error) {
	if !a.Active() {
		return false, nil
	}
	if a.ReadFilter != nil {
		return a.ReadFilter(p), nil
	}
	return true, nil
}

func (a *StaticAuthorizer) MayWritePresence(ctx context.Context, p *presence.Presence) (bool, error) {
	return a.Active() && p != nil && p.UserID == a.User, nil
}

// SetInactive flips the authorizer to inactive, notifying observers.
func (a *StaticAuthorizer) SetInactive() {
	a.mu.Lock()
	if a.inactive {
		a.mu.Unlock()
		return
	}
	a.inactive = true
	a.mu.Unlock()
	for _, o := range a.snapshot() {
		o.OnInactive()
	}
}

// Destroy notifies observers of destruction.
func (a *StaticAuthorizer) Destroy() {
	for _, o := range a.snapshot() {
		o.OnDestroy()
	}
}
