package chord

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.miragespace.co/chordkv/spec/chord"

	"github.com/Yiling-J/theine-go"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
)

var ErrRingUnstable = fmt.Errorf("ring is unstable")

// RingSnapshot is the ring as seen by walking successors from a node
type RingSnapshot struct {
	Nodes  []chord.Finger `json:"nodes"`
	Digest string         `json:"digest"`
}

const ringCacheBytes = 1 << 16

func (n *LocalNode) initRingCache() {
	ringCache, err := theine.NewBuilder[uint64, RingSnapshot](ringCacheBytes).
		RemovalListener(n.ringCacheListener).
		BuildWithLoader(n.ringLoader)
	if err != nil {
		panic("BUG: " + err.Error())
	}
	n.ringCache = ringCache
}

func (n *LocalNode) ringCacheListener(id uint64, _ RingSnapshot, reason theine.RemoveReason) {
	var reasonStr string
	switch reason {
	case theine.EVICTED:
		reasonStr = "evicted"
	case theine.EXPIRED:
		reasonStr = "expired"
	case theine.REMOVED:
		reasonStr = "removed"
	default:
		reasonStr = "unknown"
	}
	n.Logger.Debug("Ring view removed", zap.Uint64("from", id), zap.String("reason", reasonStr))
}

func (n *LocalNode) ringLoader(ctx context.Context, id uint64) (ret theine.Loaded[RingSnapshot], err error) {
	start := time.Now()
	ret.Value, err = n.walkRing(ctx)
	if err != nil {
		return
	}
	ret.Cost = int64(len(ret.Value.Nodes) * 32)
	// a view is only worth keeping for about one stabilization round
	ret.TTL = n.StabilizeInterval
	n.Logger.Debug("Ring view loaded",
		zap.Int("nodes", len(ret.Value.Nodes)),
		zap.String("digest", ret.Value.Digest),
		zap.Duration("duration", time.Since(start)),
	)
	return
}

// RingView returns the (possibly cached) result of walking the ring from this node
func (n *LocalNode) RingView(ctx context.Context) (RingSnapshot, error) {
	if err := n.checkNodeState(); err != nil {
		return RingSnapshot{}, err
	}
	return n.ringCache.Get(ctx, n.ID())
}

func (n *LocalNode) invalidateRingView() {
	n.ringCache.Delete(n.ID())
}

// walkRing follows FindSuccessor(id+1) from ourselves until it wraps around
func (n *LocalNode) walkRing(ctx context.Context) (RingSnapshot, error) {
	var (
		nodes = []chord.Finger{n.self}
		seen  = map[uint64]bool{n.ID(): true}
		next  = n.self
		err   error
	)

	for {
		next, err = n.FindSuccessor(ctx, n.Ring.ModuloSum(next.ID, 1))
		if err != nil {
			return RingSnapshot{}, err
		}
		if next.ID == n.ID() {
			break
		}
		if seen[next.ID] {
			return RingSnapshot{}, chord.Errorf(ErrRingUnstable, "%s visited twice", next)
		}
		seen[next.ID] = true
		nodes = append(nodes, next)
	}

	return RingSnapshot{
		Nodes:  nodes,
		Digest: ringDigest(nodes),
	}, nil
}

// ringDigest is independent of the starting node: identities are hashed in ascending order
func ringDigest(nodes []chord.Finger) string {
	ids := make([]uint64, len(nodes))
	for i, f := range nodes {
		ids[i] = f.ID
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})

	h := xxh3.New()
	var buf [8]byte
	for _, id := range ids {
		binary.BigEndian.PutUint64(buf[:], id)
		h.Write(buf[:])
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func minmax(nums []int) (min, max int) {
	min = nums[0]
	max = nums[0]
	for _, num := range nums {
		if num > max {
			max = num
		}
		if num < min {
			min = num
		}
	}
	return
}

type fingerSpan struct {
	Low, High int
	Finger    chord.Finger
}

// fingerTrace groups consecutive finger slots pointing at the same node
func (n *LocalNode) fingerTrace() []fingerSpan {
	slots := map[uint64][]int{}
	owners := map[uint64]chord.Finger{}
	n.fingerRange(func(i int, f chord.Finger) bool {
		slots[f.ID] = append(slots[f.ID], i)
		owners[f.ID] = f
		return true
	})

	spans := make([]fingerSpan, 0, len(slots))
	for id, s := range slots {
		low, high := minmax(s)
		spans = append(spans, fingerSpan{Low: low, High: high, Finger: owners[id]})
	}
	sort.Slice(spans, func(i, j int) bool {
		return spans[i].Low < spans[j].Low
	})
	return spans
}

func (n *LocalNode) ringTrace(ctx context.Context) string {
	view, err := n.RingView(ctx)
	if err != nil {
		return "error: " + err.Error()
	}
	parts := make([]string, 0, len(view.Nodes)+1)
	for _, f := range view.Nodes {
		parts = append(parts, strconv.FormatUint(f.ID, 10))
	}
	parts = append(parts, strconv.FormatUint(n.ID(), 10))
	return strings.Join(parts, " -> ")
}

// kvFsck reports the slots stored here whose identity falls outside (low, high]
func kvFsck(r chord.Ring, kv chord.KVProvider, low, high uint64) []string {
	return kv.RangeSlots(func(id uint64) bool {
		return !r.InRange(id, low, high)
	})
}
