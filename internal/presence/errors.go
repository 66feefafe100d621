package presence

import "collabgate/pkg/types"

var ErrInvalidStatus = types.NewError(types.KindValidation, types.CodeInvalidMessage, "Presence status must be one of active, idle, away, busy")
