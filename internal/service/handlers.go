package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/skylight-hq/presenced/internal/presence"
	"github.com/skylight-hq/presenced/internal/transport"
)

// ServiceName is the name this service registers under on a connection.
const ServiceName = "presence"

type idParams struct {
	SessionID  string `json:"sessionId,omitempty"`
	UserID     string `json:"userId,omitempty"`
	LocationID string `json:"locationId,omitempty"`
}

// Register installs the request handlers on conn and ties the service
// lifecycle to the connection's.
func (s *Service) Register(conn transport.Connection) {
	conn.RegisterService(ServiceName, transport.HandlerMap{
		"submitPresence": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var p presence.Presence
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("%w: %v", presence.ErrInvalidEntity, err)
			}
			return nil, s.SubmitPresence(ctx, &p)
		},
		"removePresence": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			return nil, s.RemovePresence()
		},
		"getPresenceBySessionId": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var in idParams
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("%w: %v", presence.ErrInvalidEntity, err)
			}
			return s.GetPresenceBySessionID(ctx, in.SessionID)
		},
		"getPresenceByUserId": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var in idParams
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("%w: %v", presence.ErrInvalidEntity, err)
			}
			return s.GetPresenceByUserID(ctx, in.UserID)
		},
		"getPresenceByLocationId": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var in idParams
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("%w: %v", presence.ErrInvalidEntity, err)
			}
			return s.GetPresenceByLocationID(ctx, in.LocationID)
		},
		"streamPresenceBySessionId": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var in idParams
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("%w: %v", presence.ErrInvalidEntity, err)
			}
			return s.StreamPresenceBySessionID(in.SessionID)
		},
		"streamPresenceByUserId": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var in idParams
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("%w: %v", presence.ErrInvalidEntity, err)
			}
			return s.StreamPresenceByUserID(in.UserID)
		},
		"streamPresenceByLocationId": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var in idParams
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("%w: %v", presence.ErrInvalidEntity, err)
			}
			return s.StreamPresenceByLocationID(in.LocationID)
		},
	})
	conn.Subscribe(s)
}
