package broker

// State is the connection state of a Session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// TransitionFunc observes a state change. It runs on the goroutine that
// caused the change and must not block.
type TransitionFunc func(from, to State)
