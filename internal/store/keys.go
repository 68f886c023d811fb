package store

// Key formats are part of the wire contract: notification channels are the
// key names themselves, and peer processes in other languages read the same
// layout. Do not change them.

const connectionsKey = "connections"

// SessionKey is the hash holding one session's presence fields.
func SessionKey(sessionID string) string {
	return "presence:sessionId=" + sessionID
}

// UserKey is the set of session ids present for a user.
func UserKey(userID string) string {
	return "presence:userId=" + userID
}

// LocationKey is the set of session ids present at a location.
func LocationKey(locationID string) string {
	return "presence:locationId=" + locationID
}

// ConnectionKey is the set of session ids owned by a Redis connection.
func ConnectionKey(connectionID string) string {
	return "presence:connectionId=" + connectionID
}
