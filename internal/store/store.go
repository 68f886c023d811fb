// Package store is the scripted storage layer for presence records. Every
// mutation runs as one atomic Redis script that keeps the session hash, the
// three back-indexes and the change notifications consistent with each other.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/skylight-hq/presenced/internal/metrics"
	"github.com/skylight-hq/presenced/internal/presence"
)

// Store executes the presence scripts against one Redis client.
type Store struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// New creates a store bound to the given client.
func New(client redis.UniversalClient, logger *zap.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// Update upserts the presence record for p.SessionID, associating it with
// connectionID and refreshing the TTL. With modified=false the script takes
// the EXPIRE-only fast path when the indexed fields are unchanged.
//
// Returns presence.ErrConnectionIDMismatch if another connection id is already
// recorded on the session hash.
func (s *Store) Update(ctx context.Context, p *presence.Presence, connectionID string, ttlSeconds int, modified bool) error {
	mod := 0
	if modified {
		mod = 1
	}
	err := presenceUpdateScript.Run(ctx, s.client, nil,
		p.SessionID,
		p.UserID,
		p.LocationID,
		p.DataOrNull(),
		strconv.FormatInt(p.LastModified, 10),
		connectionID,
		ttlSeconds,
		mod,
	).Err()
	if err != nil {
		if strings.Contains(err.Error(), "connectionId mismatch") {
			return fmt.Errorf("%w: session %s", presence.ErrConnectionIDMismatch, p.SessionID)
		}
		return fmt.Errorf("presence update for session %s: %w", p.SessionID, err)
	}
	metrics.PresenceUpdates.Inc()
	return nil
}

// Delete removes the presence record for sessionID from the hash and every
// index. Deleting an absent session is a no-op.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := presenceDeleteScript.Run(ctx, s.client, nil, sessionID).Err(); err != nil {
		return fmt.Errorf("presence delete for session %s: %w", sessionID, err)
	}
	metrics.PresenceDeletes.Inc()
	return nil
}

// DeleteByConnectionID removes every presence owned by connectionID. With a
// non-zero lock the delete only proceeds if connections[cid] still holds that
// lock; a mismatch returns false without touching anything.
func (s *Store) DeleteByConnectionID(ctx context.Context, connectionID, lock string) (bool, error) {
	if lock == "" {
		lock = "0"
	}
	n, err := presenceDeleteByConnectionIDScript.Run(ctx, s.client, nil, connectionID, lock).Int()
	if err != nil {
		return false, fmt.Errorf("presence delete for connection %s: %w", connectionID, err)
	}
	return n == 1, nil
}

// GetBySessionID loads one presence; nil means not present.
func (s *Store) GetBySessionID(ctx context.Context, sessionID string) (*presence.Presence, error) {
	reply, err := presenceGetBySessionIDScript.Run(ctx, s.client, nil, sessionID).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", presence.ErrLoadFailed, err)
	}
	p, err := presence.DecodeTuple(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", presence.ErrLoadFailed, err)
	}
	return p, nil
}

// GetByUserID loads every presence in the user index.
func (s *Store) GetByUserID(ctx context.Context, userID string) ([]*presence.Presence, error) {
	return s.getMany(ctx, presenceGetByUserIDScript, userID)
}

// GetByLocationID loads every presence in the location index.
func (s *Store) GetByLocationID(ctx context.Context, locationID string) ([]*presence.Presence, error) {
	return s.getMany(ctx, presenceGetByLocationIDScript, locationID)
}

func (s *Store) getMany(ctx context.Context, script *redis.Script, arg string) ([]*presence.Presence, error) {
	reply, err := script.Run(ctx, s.client, nil, arg).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", presence.ErrLoadFailed, err)
	}
	list, err := presence.DecodeTuples(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", presence.ErrLoadFailed, err)
	}
	return list, nil
}

// RegisterConnection records ownership of a connection id under the global
// connections hash.
func (s *Store) RegisterConnection(ctx context.Context, connectionID, lock string) error {
	if err := s.client.HSet(ctx, connectionsKey, connectionID, lock).Err(); err != nil {
		return fmt.Errorf("register connection %s: %w", connectionID, err)
	}
	return nil
}

// Connections returns the connections hash: connection id to lock token.
func (s *Store) Connections(ctx context.Context) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, connectionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read connections: %w", err)
	}
	return m, nil
}
