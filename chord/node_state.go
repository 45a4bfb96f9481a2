package chord

import (
	"runtime"
	"time"

	"go.miragespace.co/chordkv/spec/chord"

	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/atomic"
)

type stateChange struct {
	State chord.State
	At    time.Time
}

// nodeState packs a transition counter with the state so a compare-and-swap
// against a stale read fails even if the state value happens to match again.
type nodeState struct {
	state   *atomic.Uint64
	history *skipmap.Uint64Map[stateChange]
}

func newNodeState(initial chord.State) *nodeState {
	s := &nodeState{
		state:   atomic.NewUint64(uint64(initial)),
		history: skipmap.NewUint64[stateChange](),
	}
	s.history.Store(0, stateChange{State: initial, At: time.Now()})
	return s
}

func (s *nodeState) Transition(exp chord.State, nxt chord.State) (chord.State, bool) {
	curr := s.state.Load()
	currIndex := curr >> 4
	prev := (currIndex << 4) | uint64(exp)
	nextIndex := currIndex + 1
	next := (nextIndex << 4) | uint64(nxt)
	if s.state.CompareAndSwap(prev, next) {
		s.history.Store(nextIndex, stateChange{State: nxt, At: time.Now()})
		return nxt, true
	}
	return chord.State(curr & 0b1111), false
}

func (s *nodeState) Set(val chord.State) {
	for {
		if _, ok := s.Transition(s.Get(), val); ok {
			break
		}
		runtime.Gosched()
	}
}

func (s *nodeState) Get() chord.State {
	return chord.State(s.state.Load() & 0b1111)
}

func (s *nodeState) History() []stateChange {
	h := make([]stateChange, 0, s.history.Len())
	s.history.Range(func(_ uint64, c stateChange) bool {
		h = append(h, c)
		return true
	})
	return h
}
