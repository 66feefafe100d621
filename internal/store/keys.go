package store

import "fmt"

// Key prefixes shared by every gateway instance. Changing any of them splits
// the fleet, so they live in one place.
const (
	PrefixConnection = "conn:"
	PrefixUserConns  = "user_conns:"
	PrefixPresence   = "presence:"
	PrefixSequence   = "seq:"
	PrefixMembers    = "members:"
	PrefixRateLimit  = "rl:"
	PrefixRevoked    = "jwt:revoked:"
)

func ConnectionKey(connID string) string {
	return PrefixConnection + connID
}

// UserConnKey is user_conns:{userID}:{connID}. Each live connection owns
// one key, so a crashed instance's entries expire with their TTL.
func UserConnKey(userID, connID string) string {
	return fmt.Sprintf("%s%s:%s", PrefixUserConns, userID, connID)
}

// UserConnsPrefix is the Scan prefix for every connection of a user.
func UserConnsPrefix(userID string) string {
	return PrefixUserConns + userID + ":"
}

// PresenceKey is presence:{sessionID}:{userID}.
func PresenceKey(sessionID, userID string) string {
	return fmt.Sprintf("%s%s:%s", PrefixPresence, sessionID, userID)
}

// SessionPresencePrefix is the Scan prefix for every presence record of a session.
func SessionPresencePrefix(sessionID string) string {
	return PrefixPresence + sessionID + ":"
}

func SequenceKey(sessionID string) string {
	return PrefixSequence + sessionID
}

// SeatKey is members:{sessionID}:{connID}, one expiring seat per joined
// connection.
func SeatKey(sessionID, connID string) string {
	return fmt.Sprintf("%s%s:%s", PrefixMembers, sessionID, connID)
}

// SeatPrefix is the Scan prefix for every seat of a session.
func SeatPrefix(sessionID string) string {
	return PrefixMembers + sessionID + ":"
}

func RevokedTokenKey(jti string) string {
	return PrefixRevoked + jti
}

// UserLimitKey is rl:user:{userID}:{name}.
func UserLimitKey(userID, name string) string {
	return fmt.Sprintf("%suser:%s:%s", PrefixRateLimit, userID, name)
}

// SessionLimitKey is rl:session:{sessionID}:{name}.
func SessionLimitKey(sessionID, name string) string {
	return fmt.Sprintf("%ssession:%s:%s", PrefixRateLimit, sessionID, name)
}

// GlobalLimitKey is rl:global:{name}.
func GlobalLimitKey(name string) string {
	return PrefixRateLimit + "global:" + name
}
