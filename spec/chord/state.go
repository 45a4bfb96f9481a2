package chord

import "sync/atomic"

type State uint64

const (
	// Node not running, default state
	Inactive State = iota
	// Ready to handle lookup and KV requests
	Active
	// Stopping maintenance and handing off keys to successor
	Leaving
	// No longer an active node, may join again
	Left
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Active:
		return "Active"
	case Leaving:
		return "Leaving"
	case Left:
		return "Left"
	default:
		return "State(?)"
	}
}

func (s *State) Transition(expected State, new State) bool {
	return atomic.CompareAndSwapUint64((*uint64)(s), uint64(expected), uint64(new))
}

func (s *State) Get() State {
	return State(atomic.LoadUint64((*uint64)(s)))
}

func (s *State) Set(val State) {
	atomic.StoreUint64((*uint64)(s), uint64(val))
}

// OperationalState is the simulated health of a node, independent of its lifecycle State.
type OperationalState uint32

const (
	Stable OperationalState = iota
	Crashed
)

func (o OperationalState) String() string {
	if o == Crashed {
		return "Crashed"
	}
	return "Stable"
}
