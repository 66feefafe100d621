package interfaces

import (
	"context"
	"errors"

	"collabgate/pkg/types"
)

// ErrSessionNotFound is returned by a SessionProvider for unknown ids.
var ErrSessionNotFound = errors.New("session not found")

// SessionProvider exposes the session metadata owned by the domain service.
// The gateway never mutates sessions beyond adding participants.
type SessionProvider interface {
	GetSession(ctx context.Context, sessionID string) (*types.SessionInfo, error)
	GetSessionParticipants(ctx context.Context, sessionID string) ([]types.Participant, error)
	AddParticipant(ctx context.Context, sessionID string, participant types.Participant) error
}
