package chord

import (
	"context"
	"errors"
	"time"

	"go.miragespace.co/chordkv/metrics"
	"go.miragespace.co/chordkv/spec/chord"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// Create makes this node the sole member of a new ring.
func (n *LocalNode) Create() error {
	_, err := n.Join(context.Background(), "")
	return err
}

// Join bootstraps into the ring known by remote, or creates a new ring when remote is empty.
// An already running node restarts its maintenance against the new successor.
func (n *LocalNode) Join(ctx context.Context, remote string) (chord.Finger, error) {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	if n.state.Get() == chord.Leaving {
		return chord.Finger{}, chord.ErrJoinInvalidState
	}

	if remote == "" || remote == n.Address {
		n.Logger.Info("Creating new Chord ring")
		n.stopTasks()
		n.setSuccessor(n.self)
		n.setPredecessor(nil)
		n.resetFingers()
		n.activate()
		return n.self, nil
	}

	peer := chord.NewFinger(n.Ring, remote)
	if peer.ID == n.ID() {
		return chord.Finger{}, chord.Errorf(chord.ErrDuplicateID, "%s and %s both map to %d", remote, n.Address, n.ID())
	}

	if err := n.probe(ctx, peer); err != nil {
		return chord.Finger{}, chord.Errorf(chord.ErrJoinUnreachable, "%s: %v", remote, err)
	}

	n.Logger.Info("Joining Chord ring", zap.String("via", remote))

	succ, err := n.remote(peer).JoinLookup(ctx, n.ID())
	switch {
	case err != nil:
		n.Logger.Warn("Failed to resolve successor from bootstrap node, falling back to ourselves",
			zap.String("via", remote),
			zap.Error(err),
		)
		succ = n.self
	case succ.ID == n.ID() && succ.Address != n.Address:
		return chord.Finger{}, chord.Errorf(chord.ErrDuplicateID, "%s already in the ring with identity %d", succ.Address, n.ID())
	}

	n.stopTasks()
	n.setSuccessor(succ)
	n.setPredecessor(nil)
	n.resetFingers()
	n.activate()

	n.Logger.Info("Successfully joined Chord ring", zap.Object("successor", succ))
	metrics.RingEvents.WithLabelValues("join").Inc()

	return succ, nil
}

func (n *LocalNode) probe(ctx context.Context, peer chord.Finger) error {
	return retry.Do(func() error {
		return n.remote(peer).Ping(ctx)
	},
		retry.Context(ctx),
		retry.Attempts(n.JoinAttempts),
		retry.Delay(n.StabilizeInterval),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			n.Logger.Warn("Retrying on bootstrap probe error", zap.Uint("attempt", attempt), zap.Error(err))
		}),
	)
}

// activate must be called with lifecycleMu held
func (n *LocalNode) activate() {
	n.isStable.Store(false)
	n.state.Set(chord.Active)
	n.invalidateRingView()
	n.startTasks()
}

// Leave stops maintenance, hands stored keys to the successor, stitches our neighbors
// together and returns to a singleton ring. Peer failures are logged, not returned.
// Once Left, the node refuses ring and storage requests until it joins again.
func (n *LocalNode) Leave(ctx context.Context) error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	if _, ok := n.state.Transition(chord.Active, chord.Leaving); !ok {
		return chord.ErrLeaveInvalidState
	}

	n.Logger.Info("Node leaving chord ring")
	n.stopTasks()

	succ := n.getSuccessor()
	pre := n.getPredecessor()
	if pre == nil && succ.ID != n.ID() {
		pre = n.awaitPredecessor(ctx)
	}

	if succ.ID != n.ID() {
		if err := n.handoff(ctx, succ); err != nil {
			n.Logger.Warn("Failed to hand off keys to successor", zap.Object("successor", succ), zap.Error(err))
		}
	}

	// successor first: until it learns of pre, a stabilizing pre would adopt us again
	if pre != nil && pre.ID != n.ID() {
		if succ.ID != n.ID() {
			if err := n.remote(succ).InformPredecessor(ctx, *pre); err != nil {
				n.Logger.Warn("Failed to inform successor about our predecessor", zap.Object("successor", succ), zap.Error(err))
			}
		}
		if err := n.remote(*pre).InformSuccessor(ctx, succ); err != nil {
			n.Logger.Warn("Failed to inform predecessor about our successor", zap.Object("predecessor", *pre), zap.Error(err))
		}
	}

	self := n.self
	n.setSuccessor(self)
	n.setPredecessor(&self)
	n.resetFingers()
	n.isStable.Store(true)

	n.state.Set(chord.Left)
	n.invalidateRingView()
	metrics.RingEvents.WithLabelValues("leave").Inc()

	return nil
}

// awaitPredecessor gives the predecessor two stabilization rounds to notify us. If it
// stays silent, the last node of a ring walk from us is the one whose successor we are.
func (n *LocalNode) awaitPredecessor(ctx context.Context) *chord.Finger {
	n.Logger.Info("Waiting for predecessor before leaving")

	if pre := n.pollPredecessor(ctx, 2*n.StabilizeInterval); pre != nil {
		return pre
	}
	if ctx.Err() != nil {
		return nil
	}

	view, err := n.walkRing(ctx)
	if err != nil || len(view.Nodes) < 2 {
		n.Logger.Warn("Leaving without a known predecessor", zap.Error(err))
		return nil
	}
	pre := view.Nodes[len(view.Nodes)-1]
	n.Logger.Info("Found predecessor by walking the ring", zap.Object("predecessor", pre))
	return &pre
}

func (n *LocalNode) pollPredecessor(ctx context.Context, wait time.Duration) *chord.Finger {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(max(n.StabilizeInterval/4, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-ticker.C:
			if pre := n.getPredecessor(); pre != nil {
				return pre
			}
		}
	}
}

// handoff copies every local slot to succ, removing them locally only once accepted
func (n *LocalNode) handoff(ctx context.Context, succ chord.Finger) error {
	entries := n.KVProvider.Export()
	if len(entries) == 0 {
		return nil
	}

	if err := n.remote(succ).Import(ctx, entries); err != nil {
		return errors.Join(chord.ErrKVHandoffFailure, err)
	}

	slots := make([]string, 0, len(entries))
	for slot := range entries {
		slots = append(slots, slot)
	}
	n.KVProvider.Remove(slots)
	n.storedKeys.Set(float64(n.KVProvider.Len()))

	n.Logger.Info("Handed off keys to successor", zap.Object("successor", succ), zap.Int("keys", len(slots)))
	return nil
}
