package chord

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.miragespace.co/chordkv/metrics"
	"go.miragespace.co/chordkv/spec/chord"

	"github.com/Yiling-J/theine-go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type fingerEntry struct {
	mu   sync.RWMutex
	node *chord.Finger
}

func (f *fingerEntry) computeView(fn func(node *chord.Finger)) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn(f.node)
}

func (f *fingerEntry) computeUpdate(fn func(entry *fingerEntry)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type LocalNode struct {
	NodeConfig
	self chord.Finger

	state    *nodeState
	crashed  *atomic.Bool
	isStable *atomic.Bool

	// fingers[0] is the successor
	fingers []fingerEntry
	// only touched by the finger loop
	nextFinger int

	predecessorMu sync.RWMutex
	predecessor   *chord.Finger

	// serializes Join and Leave
	lifecycleMu sync.Mutex
	stopCh      chan struct{}
	stopCancel  context.CancelFunc
	stopWg      sync.WaitGroup

	ringCache      *theine.LoadingCache[uint64, RingSnapshot]
	storedKeys     prometheus.Gauge
	lastStabilized *atomic.Time
}

var _ chord.VNode = (*LocalNode)(nil)

func NewLocalNode(conf NodeConfig) *LocalNode {
	if err := conf.Validate(); err != nil {
		panic(err)
	}
	self := chord.NewFinger(conf.Ring, conf.Address)
	n := &LocalNode{
		NodeConfig:     conf,
		self:           self,
		state:          newNodeState(chord.Inactive),
		crashed:        atomic.NewBool(false),
		isStable:       atomic.NewBool(false),
		fingers:        make([]fingerEntry, conf.Ring.Bits),
		nextFinger:     1,
		storedKeys:     metrics.StoredKeys.WithLabelValues(strconv.FormatUint(self.ID, 10)),
		lastStabilized: atomic.NewTime(time.Time{}),
	}
	n.Logger = conf.Logger.With(zap.Uint64("node", self.ID))
	n.fingers[0].node = &self
	n.initRingCache()

	return n
}

func (n *LocalNode) ID() uint64 {
	return n.self.ID
}

func (n *LocalNode) Identity() chord.Finger {
	return n.self
}

func (n *LocalNode) checkNodeState() error {
	switch n.state.Get() {
	case chord.Inactive:
		return chord.ErrNodeNotStarted
	case chord.Left:
		return chord.ErrNodeLeft
	default:
		return nil
	}
}

// vnode returns ourself when f points to our identity, so local calls never go over the wire
func (n *LocalNode) vnode(f chord.Finger) chord.VNode {
	if f.ID == n.ID() {
		return n
	}
	return n.remote(f)
}

func (n *LocalNode) remote(f chord.Finger) *RemoteNode {
	return NewRemoteNode(f, n.RPCClient, n.PingTimeout)
}

func (n *LocalNode) getSuccessor() chord.Finger {
	var succ chord.Finger
	n.fingers[0].computeView(func(node *chord.Finger) {
		succ = *node
	})
	return succ
}

// setSuccessorIf replaces the successor only if it is still expected, returning whether it did
func (n *LocalNode) setSuccessorIf(expected, next chord.Finger) (swapped bool) {
	n.fingers[0].computeUpdate(func(entry *fingerEntry) {
		if entry.node.ID != expected.ID || entry.node.Address != expected.Address {
			return
		}
		entry.node = &next
		swapped = true
	})
	return
}

func (n *LocalNode) setSuccessor(next chord.Finger) (prev chord.Finger) {
	n.fingers[0].computeUpdate(func(entry *fingerEntry) {
		prev = *entry.node
		entry.node = &next
	})
	return
}

func (n *LocalNode) getPredecessor() *chord.Finger {
	n.predecessorMu.RLock()
	defer n.predecessorMu.RUnlock()
	return n.predecessor
}

func (n *LocalNode) setPredecessor(p *chord.Finger) (prev *chord.Finger) {
	n.predecessorMu.Lock()
	defer n.predecessorMu.Unlock()
	prev = n.predecessor
	n.predecessor = p
	return
}

// fingerRange calls fn for every populated finger, slot 0 included
func (n *LocalNode) fingerRange(fn func(k int, f chord.Finger) bool) {
	for i := range n.fingers {
		var (
			f  chord.Finger
			ok bool
		)
		n.fingers[i].computeView(func(node *chord.Finger) {
			if node != nil {
				f = *node
				ok = true
			}
		})
		if !ok {
			continue
		}
		if !fn(i, f) {
			return
		}
	}
}

// resetFingers drops every finger except the successor
func (n *LocalNode) resetFingers() {
	for i := 1; i < len(n.fingers); i++ {
		n.fingers[i].computeUpdate(func(entry *fingerEntry) {
			entry.node = nil
		})
	}
}

// Close releases resources held outside of the ring protocol. The node must not be used afterwards.
func (n *LocalNode) Close() {
	n.ringCache.Close()
}

func (n *LocalNode) State() chord.State {
	return n.state.Get()
}

func (n *LocalNode) OperationalState() chord.OperationalState {
	if n.crashed.Load() {
		return chord.Crashed
	}
	return chord.Stable
}

func (n *LocalNode) IsStable() bool {
	return n.isStable.Load()
}

func (n *LocalNode) SimCrash() {
	if n.crashed.CompareAndSwap(false, true) {
		n.Logger.Warn("Simulating crash")
		metrics.RingEvents.WithLabelValues("sim_crash").Inc()
	}
}

func (n *LocalNode) SimRecover() {
	if n.crashed.CompareAndSwap(true, false) {
		n.Logger.Info("Recovering from simulated crash")
		metrics.RingEvents.WithLabelValues("sim_recover").Inc()
	}
}
