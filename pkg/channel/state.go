package channel

// State represents the channel connection state.
type State uint8

const (
	// StateDisconnected indicates no active connection.
	StateDisconnected State = iota

	// StateConnecting indicates the socket is being opened.
	StateConnecting

	// StateHandshaking indicates public keys are being exchanged.
	StateHandshaking

	// StateAuthenticating indicates the shared secret is being derived.
	StateAuthenticating

	// StateConnected indicates encrypted traffic may flow.
	StateConnected

	// StateReconnecting indicates automatic reconnection is in progress.
	StateReconnecting

	// StateFailed is terminal: the attempt budget was exhausted.
	// Only an explicit Connect resets it.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// transitions is the legal transition table. Arbitrary state writes are
// rejected; anything not listed here is unreachable.
var transitions = map[State][]State{
	StateDisconnected:   {StateConnecting},
	StateConnecting:     {StateHandshaking, StateReconnecting, StateDisconnected},
	StateHandshaking:    {StateAuthenticating, StateReconnecting, StateDisconnected},
	StateAuthenticating: {StateConnected, StateReconnecting, StateDisconnected},
	StateConnected:      {StateReconnecting, StateDisconnected},
	StateReconnecting:   {StateConnecting, StateFailed, StateDisconnected},
	StateFailed:         {StateConnecting, StateDisconnected},
}

// canTransition reports whether from → to is a legal transition.
func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
