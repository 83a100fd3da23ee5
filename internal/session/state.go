package session

// State is the lifecycle state of a [Manager].
//
//	DISCONNECTED → CONNECTING → CONNECTED → (RECONNECTING → CONNECTING)* → DISCONNECTED
//
// CLOSING is transient: it is entered on an explicit [Manager.Disconnect] from
// any state and always resolves to DISCONNECTED.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosing
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}
