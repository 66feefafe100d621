package hub

import (
	"errors"

	"collabgate/pkg/types"
)

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
)

// Protocol errors answered to the client.
var (
	ErrSessionIDRequired = types.NewError(types.KindValidation, types.CodeInvalidMessage, "sessionId is required")
	ErrEventTypeRequired = types.NewError(types.KindValidation, types.CodeInvalidMessage, "data.eventType is required")
	ErrUnknownOperation  = types.NewError(types.KindValidation, types.CodeInvalidMessage, "Unknown operation kind")
	ErrEventIDRequired   = types.NewError(types.KindValidation, types.CodeInvalidMessage, "data.eventId is required")
)
