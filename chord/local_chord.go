package chord

import (
	"context"
	"errors"

	"go.miragespace.co/chordkv/metrics"
	"go.miragespace.co/chordkv/spec/chord"

	"go.uber.org/zap"
)

func (n *LocalNode) Ping(_ context.Context) error {
	return n.checkNodeState()
}

func (n *LocalNode) Notify(_ context.Context, predecessor chord.Finger) error {
	if err := n.checkNodeState(); err != nil {
		return err
	}
	if predecessor.ID == n.ID() {
		return nil
	}

	n.predecessorMu.Lock()
	defer n.predecessorMu.Unlock()

	old := n.predecessor
	if old != nil && old.ID == predecessor.ID {
		return nil
	}

	if old == nil || old.ID == n.ID() || n.Ring.BetweenStrict(old.ID, predecessor.ID, n.ID()) {
		n.predecessor = &predecessor
		n.Logger.Info("Discovered new predecessor via Notify",
			zap.String("previous", fingerOrNil(old)),
			zap.Object("predecessor", predecessor),
		)
		metrics.RingEvents.WithLabelValues("predecessor_notify").Inc()
	}

	return nil
}

func (n *LocalNode) FindSuccessor(ctx context.Context, key uint64) (chord.Finger, error) {
	if err := n.checkNodeState(); err != nil {
		return chord.Finger{}, err
	}
	if hops := chord.GetHops(ctx); hops > n.MaxRelayHops {
		return chord.Finger{}, chord.Errorf(chord.ErrRelayLoop, "lookup of %d after %d hops", key, hops)
	}

	key = n.Ring.Reduce(key)
	succ := n.getSuccessor()
	// immediate successor
	if succ.ID != n.ID() && key != n.ID() && n.Ring.InRange(key, n.ID(), succ.ID) {
		return succ, nil
	}
	// find next in ring according to finger table
	closest := n.closestPrecedingNode(key)
	if closest.ID == n.ID() {
		return n.self, nil
	}
	// contact remote node
	f, err := n.remote(closest).FindSuccessor(ctx, key)
	if err != nil {
		if errors.Is(err, chord.ErrRelayLoop) {
			return chord.Finger{}, err
		}
		n.Logger.Warn("Relaying successor lookup",
			zap.Uint64("key", key),
			zap.Object("via", closest),
			zap.Error(err),
		)
		n.evictFinger(closest)
		return chord.Finger{}, chord.Errorf(chord.ErrLookupFailed, "relaying %d via %s: %v", key, closest.Address, err)
	}
	// closest strictly precedes key and we sit before it, so it can never own key.
	// Such an answer comes from a node that lost track of the ring.
	if f.ID == closest.ID {
		n.evictFinger(closest)
		return chord.Finger{}, chord.Errorf(chord.ErrLookupFailed, "%s answered for itself", closest.Address)
	}
	return f, nil
}

// evictFinger clears every finger except the successor that points at f
func (n *LocalNode) evictFinger(f chord.Finger) {
	for i := 1; i < len(n.fingers); i++ {
		n.fingers[i].computeUpdate(func(entry *fingerEntry) {
			if entry.node != nil && entry.node.ID == f.ID {
				entry.node = nil
			}
		})
	}
}

func (n *LocalNode) closestPrecedingNode(key uint64) chord.Finger {
	for i := len(n.fingers) - 1; i >= 0; i-- {
		var (
			candidate chord.Finger
			found     bool
		)
		n.fingers[i].computeView(func(node *chord.Finger) {
			if node != nil && n.Ring.BetweenStrict(n.ID(), node.ID, key) {
				candidate = *node
				found = true
			}
		})
		if found {
			return candidate
		}
	}
	// fallback to ourselves
	return n.self
}

func (n *LocalNode) GetPredecessor(_ context.Context) (*chord.Finger, error) {
	if err := n.checkNodeState(); err != nil {
		return nil, err
	}
	pre := n.getPredecessor()
	if pre == nil {
		return nil, nil
	}
	p := *pre
	return &p, nil
}

func (n *LocalNode) InformPredecessor(_ context.Context, predecessor chord.Finger) error {
	if err := n.checkNodeState(); err != nil {
		return err
	}
	prev := n.setPredecessor(&predecessor)
	n.Logger.Info("Predecessor replaced by departing neighbor",
		zap.String("previous", fingerOrNil(prev)),
		zap.Object("predecessor", predecessor),
	)
	metrics.RingEvents.WithLabelValues("predecessor_inform").Inc()
	return nil
}

func (n *LocalNode) InformSuccessor(_ context.Context, successor chord.Finger) error {
	if err := n.checkNodeState(); err != nil {
		return err
	}
	prev := n.setSuccessor(successor)
	n.Logger.Info("Successor replaced by departing neighbor",
		zap.Object("previous", prev),
		zap.Object("successor", successor),
	)
	metrics.RingEvents.WithLabelValues("successor_inform").Inc()
	return nil
}

// Neighbors lists the successor then the predecessor address, skipping unknown pointers
func (n *LocalNode) Neighbors() []string {
	neighbors := []string{n.getSuccessor().Address}
	if pre := n.getPredecessor(); pre != nil {
		neighbors = append(neighbors, pre.Address)
	}
	return neighbors
}

func (n *LocalNode) FingerTable() []chord.Finger {
	fingers := make([]chord.Finger, 0, len(n.fingers))
	n.fingerRange(func(_ int, f chord.Finger) bool {
		fingers = append(fingers, f)
		return true
	})
	return fingers
}

func fingerOrNil(f *chord.Finger) string {
	if f == nil {
		return "nil"
	}
	return f.String()
}

func (n *LocalNode) String() string {
	return n.self.String()
}
