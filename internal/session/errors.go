package session

import "collabgate/pkg/types"

var (
	ErrUnknownConnection = types.NewError(types.KindInternal, types.CodeInternal, "Connection is not registered")
	ErrUserMismatch      = types.NewError(types.KindValidation, types.CodeInvalidMessage, "userId does not match the authenticated user")
)

// Close reason sent to members of a session that was deactivated.
const (
	CloseSessionInactive  = 1008
	ReasonSessionInactive = "Session inactive"
)
