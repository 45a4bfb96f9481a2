package chord

import (
	"context"
	"fmt"
	"time"

	"go.miragespace.co/chordkv/metrics"
	"go.miragespace.co/chordkv/spec/chord"
	"go.miragespace.co/chordkv/util"

	"go.uber.org/zap"
)

func (n *LocalNode) stabilize(ctx context.Context) error {
	var (
		succ     = n.getSuccessor()
		modified = false
	)

	if succ.ID == n.ID() {
		// someone joined us while we were alone
		if pre := n.getPredecessor(); pre != nil && pre.ID != n.ID() {
			if n.setSuccessorIf(succ, *pre) {
				n.Logger.Info("Discovered new successor via Stabilize",
					zap.Object("previous", succ),
					zap.Object("successor", *pre),
				)
				modified = true
			}
		}
	} else {
		x, err := n.remote(succ).GetPredecessor(ctx)
		if err != nil {
			n.isStable.Store(false)
			return fmt.Errorf("querying predecessor of successor %s: %w", succ, err)
		}
		if x != nil && n.Ring.BetweenStrict(n.ID(), x.ID, succ.ID) {
			if n.setSuccessorIf(succ, *x) {
				n.Logger.Info("Discovered new successor via Stabilize",
					zap.Object("previous", succ),
					zap.Object("successor", *x),
				)
				modified = true
			}
		}
	}

	if modified {
		metrics.RingEvents.WithLabelValues("successor_stabilize").Inc()
	}
	n.isStable.Store(!modified)
	n.lastStabilized.Store(time.Now())

	succ = n.getSuccessor()
	if succ.ID == n.ID() {
		return nil
	}
	if err := n.remote(succ).Notify(ctx, n.self); err != nil {
		n.Logger.Error("Error notifying successor about us", zap.Object("successor", succ), zap.Error(err))
	}

	return nil
}

// fixK refreshes the finger responsible for self + 2^(k-1). Slot 0 belongs to stabilize.
func (n *LocalNode) fixK(ctx context.Context, k int) (updated bool, err error) {
	if k <= 1 || k > len(n.fingers) {
		return
	}
	var f chord.Finger
	next := n.Ring.ModuloSum(n.ID(), 1<<(k-1))
	f, err = n.FindSuccessor(ctx, next)
	if err != nil {
		return
	}
	n.fingers[k-1].computeUpdate(func(entry *fingerEntry) {
		if entry.node == nil || entry.node.ID != f.ID {
			entry.node = &f
			updated = true
		}
	})
	return
}

func (n *LocalNode) fixFinger(ctx context.Context) error {
	k := n.nextFinger
	n.nextFinger++
	if n.nextFinger > len(n.fingers) {
		n.nextFinger = 1
	}

	if !n.FixFingers {
		return nil
	}

	changed, err := n.fixK(ctx, k)
	if err != nil {
		return err
	}
	if changed {
		n.Logger.Debug("FingerTable entry updated", zap.Int("k", k))
	}
	return nil
}

func (n *LocalNode) checkPredecessor(ctx context.Context) error {
	pre := n.getPredecessor()
	if pre == nil || pre.ID == n.ID() {
		return nil
	}

	err := n.remote(*pre).Ping(ctx)
	if err != nil && ctx.Err() == nil {
		n.predecessorMu.Lock()
		if n.predecessor == pre {
			n.predecessor = nil
			n.Logger.Info("Discovered dead predecessor",
				zap.Object("old", *pre),
				zap.String("new", "nil"),
				zap.Error(err),
			)
			metrics.RingEvents.WithLabelValues("predecessor_dead").Inc()
		}
		n.predecessorMu.Unlock()
	}
	return err
}

func sleepOrStop(stopCh <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (n *LocalNode) periodicStabilize(ctx context.Context, stopCh <-chan struct{}) {
	defer n.stopWg.Done()

	for {
		if err := n.stabilize(ctx); err != nil && ctx.Err() == nil {
			n.Logger.Error("Stabilize task", zap.Error(err))
		}
		if !sleepOrStop(stopCh, n.StabilizeInterval) {
			n.Logger.Debug("Stopping Stabilize task")
			return
		}
	}
}

func (n *LocalNode) periodicPredecessorCheck(ctx context.Context, stopCh <-chan struct{}) {
	defer n.stopWg.Done()

	for {
		if !sleepOrStop(stopCh, util.RandomTimeRange(n.PredecessorCheckInterval)) {
			n.Logger.Debug("Stopping predecessor checking task")
			return
		}
		n.checkPredecessor(ctx)
	}
}

func (n *LocalNode) periodicFixFingers(ctx context.Context, stopCh <-chan struct{}) {
	defer n.stopWg.Done()

	for {
		if !sleepOrStop(stopCh, util.RandomTimeRange(n.FixFingerInterval)) {
			n.Logger.Debug("Stopping FixFinger task")
			return
		}
		if err := n.fixFinger(ctx); err != nil && ctx.Err() == nil {
			n.Logger.Debug("FixFinger task", zap.Error(err))
		}
	}
}

// startTasks must be called with lifecycleMu held
func (n *LocalNode) startTasks() {
	ctx, cancel := context.WithCancel(context.Background())
	stopCh := make(chan struct{})

	n.stopCh = stopCh
	n.stopCancel = cancel
	n.nextFinger = 1

	n.stopWg.Add(3)
	go n.periodicStabilize(ctx, stopCh)
	go n.periodicPredecessorCheck(ctx, stopCh)
	go n.periodicFixFingers(ctx, stopCh)
}

// stopTasks must be called with lifecycleMu held. In-flight RPCs are cancelled and
// no loop runs again once it returns.
func (n *LocalNode) stopTasks() {
	if n.stopCh == nil {
		return
	}
	close(n.stopCh)
	n.stopCancel()
	n.stopWg.Wait()
	n.stopCh = nil
	n.stopCancel = nil
}
