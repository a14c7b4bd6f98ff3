package realtime

// ConnectionState represents the current state of the sync channel. It is
// owned exclusively by the Client; the only legal mutation path is a state
// transition inside the Client.
type ConnectionState int

const (
	// StateDisconnected means no channel is open.
	StateDisconnected ConnectionState = iota

	// StateConnecting means the client is establishing a connection.
	StateConnecting

	// StateConnected means the channel is open but not yet authenticated.
	StateConnected

	// StateAuthenticated means the server accepted the credential and the
	// channel is ready for application traffic.
	StateAuthenticated

	// StateError means the client gave up: auth was rejected or the retry
	// budget ran out. A fresh Connect call resets it.
	StateError
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
