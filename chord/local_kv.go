package chord

import (
	"context"

	"go.miragespace.co/chordkv/metrics"
	"go.miragespace.co/chordkv/spec/chord"

	"go.uber.org/zap"
)

func (n *LocalNode) checkKVState() error {
	switch n.state.Get() {
	case chord.Inactive:
		return chord.ErrNodeNotStarted
	case chord.Leaving:
		// keys are being handed off, the caller should retry elsewhere or later
		return chord.ErrNodeLeaving
	case chord.Left:
		return chord.ErrNodeLeft
	default:
		return nil
	}
}

// owner resolves the node responsible for key. Routing and storage both use sha1,
// but the slot name is derived separately from the ring identity.
func (n *LocalNode) owner(ctx context.Context, key string) (uint64, chord.Finger, error) {
	if err := n.checkKVState(); err != nil {
		return 0, chord.Finger{}, err
	}
	id := n.Ring.Hash(key)
	succ, err := n.FindSuccessor(ctx, id)
	return id, succ, err
}

func (n *LocalNode) Put(ctx context.Context, key string, value []byte) error {
	id, succ, err := n.owner(ctx, key)
	if err != nil {
		return err
	}
	if succ.ID == n.ID() {
		n.Logger.Debug("KV Put", zap.String("key", key), zap.Uint64("id", id))
		n.KVProvider.Put(chord.Slot(key), value)
		n.storedKeys.Set(float64(n.KVProvider.Len()))
		metrics.KVOperations.WithLabelValues("put", "local").Inc()
		return nil
	}
	metrics.KVOperations.WithLabelValues("put", "relay").Inc()
	return n.remote(succ).Put(ctx, key, value)
}

func (n *LocalNode) Get(ctx context.Context, key string) ([]byte, error) {
	id, succ, err := n.owner(ctx, key)
	if err != nil {
		return nil, err
	}
	if succ.ID == n.ID() {
		n.Logger.Debug("KV Get", zap.String("key", key), zap.Uint64("id", id))
		metrics.KVOperations.WithLabelValues("get", "local").Inc()
		value, ok := n.KVProvider.Get(chord.Slot(key))
		if !ok {
			return nil, chord.ErrKVNotFound
		}
		return value, nil
	}
	metrics.KVOperations.WithLabelValues("get", "relay").Inc()
	return n.remote(succ).Get(ctx, key)
}

func (n *LocalNode) Delete(ctx context.Context, key string) error {
	id, succ, err := n.owner(ctx, key)
	if err != nil {
		return err
	}
	if succ.ID == n.ID() {
		n.Logger.Debug("KV Delete", zap.String("key", key), zap.Uint64("id", id))
		metrics.KVOperations.WithLabelValues("delete", "local").Inc()
		if !n.KVProvider.Delete(chord.Slot(key)) {
			return chord.ErrKVNotFound
		}
		n.storedKeys.Set(float64(n.KVProvider.Len()))
		return nil
	}
	metrics.KVOperations.WithLabelValues("delete", "relay").Inc()
	return n.remote(succ).Delete(ctx, key)
}

// Import accepts slots from a departing predecessor without routing them. A node that is
// handing off its own keys refuses, as anything imported now would leave with it.
func (n *LocalNode) Import(_ context.Context, entries map[string][]byte) error {
	if err := n.checkKVState(); err != nil {
		return err
	}
	n.KVProvider.Import(entries)
	n.storedKeys.Set(float64(n.KVProvider.Len()))
	metrics.KVOperations.WithLabelValues("import", "local").Add(float64(len(entries)))
	n.Logger.Info("Imported keys from departing node", zap.Int("keys", len(entries)))
	return nil
}
