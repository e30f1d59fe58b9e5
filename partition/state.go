package partition

// State is the partition's connection sub-state, a closed tagged variant
// per spec.md's Design Notes (§9): "Encode the PS connection state as a
// tagged variant ... rather than a magic byte." Go has no sum types, so this
// is the idiomatic approximation — a small named int with a String method
// and an exhaustive switch at every consumer.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}
