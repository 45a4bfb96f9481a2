package chord

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"go.miragespace.co/chordkv/spec/chord"
	"go.miragespace.co/chordkv/util/testcond"

	"github.com/stretchr/testify/require"
)

func makeKV(num int) map[string][]byte {
	kv := make(map[string][]byte, num)
	for i := 0; i < num; i++ {
		kv[fmt.Sprintf("key-%d", i)] = []byte(fmt.Sprintf("value-%d", i))
	}
	return kv
}

func randomNode(nodes []*LocalNode) *LocalNode {
	return nodes[rand.Intn(len(nodes))]
}

func TestKVRouting(t *testing.T) {
	as := require.New(t)
	c := newCluster(t, as)
	ctx := context.Background()

	nodes := c.makeRing(5)
	ids := nodeIDs(nodes)
	byID := make(map[uint64]*LocalNode)
	for _, node := range nodes {
		byID[node.ID()] = node
	}

	kv := makeKV(64)
	for k, v := range kv {
		as.NoError(randomNode(nodes).Put(ctx, k, v))
	}

	for k, v := range kv {
		got, err := randomNode(nodes).Get(ctx, k)
		as.NoError(err)
		as.Equal(v, got)

		// stored exactly once, on the owner
		owner := trueSuccessor(ids, c.ring.Hash(k))
		for _, node := range nodes {
			_, found := node.KVProvider.Get(chord.Slot(k))
			as.Equal(node.ID() == owner, found, "key %s on node %d (owner %d)", k, node.ID(), owner)
		}
	}

	total := 0
	for _, node := range nodes {
		total += node.KVProvider.Len()
		as.Empty(kvFsck(c.ring, node.KVProvider, node.getPredecessor().ID, node.ID()))
	}
	as.Equal(len(kv), total)
}

func TestKVMissingAndDelete(t *testing.T) {
	as := require.New(t)
	c := newCluster(t, as)
	ctx := context.Background()

	nodes := c.makeRing(3)

	_, err := nodes[0].Get(ctx, "does-not-exist")
	as.ErrorIs(err, chord.ErrKVNotFound)
	_, err = nodes[1].Get(ctx, "does-not-exist")
	as.ErrorIs(err, chord.ErrKVNotFound)

	as.NoError(nodes[0].Put(ctx, "ephemeral", []byte("soon gone")))
	got, err := nodes[2].Get(ctx, "ephemeral")
	as.NoError(err)
	as.Equal([]byte("soon gone"), got)

	as.NoError(nodes[1].Delete(ctx, "ephemeral"))
	_, err = nodes[0].Get(ctx, "ephemeral")
	as.ErrorIs(err, chord.ErrKVNotFound)
	as.ErrorIs(nodes[2].Delete(ctx, "ephemeral"), chord.ErrKVNotFound)
}

func TestKVOverwrite(t *testing.T) {
	as := require.New(t)
	c := newCluster(t, as)
	ctx := context.Background()

	n := c.spawn()
	as.NoError(n.Create())

	as.NoError(n.Put(ctx, "k", []byte("v1")))
	as.NoError(n.Put(ctx, "k", []byte("v2")))
	got, err := n.Get(ctx, "k")
	as.NoError(err)
	as.Equal([]byte("v2"), got)

	as.NoError(n.Put(ctx, "empty", nil))
	got, err = n.Get(ctx, "empty")
	as.NoError(err)
	as.Empty(got)
}

func TestKVState(t *testing.T) {
	as := require.New(t)
	c := newCluster(t, as)
	ctx := context.Background()

	n := c.spawn()
	as.ErrorIs(n.Put(ctx, "k", []byte("v")), chord.ErrNodeNotStarted)
	_, err := n.Get(ctx, "k")
	as.ErrorIs(err, chord.ErrNodeNotStarted)

	n.state.Set(chord.Leaving)
	as.ErrorIs(n.Put(ctx, "k", []byte("v")), chord.ErrNodeLeaving)
	as.True(chord.ErrorIsRetryable(n.Delete(ctx, "k")))

	// keys imported now would leave with us
	entries := map[string][]byte{chord.Slot("k"): []byte("v")}
	err = n.Import(ctx, entries)
	as.ErrorIs(err, chord.ErrNodeLeaving)
	as.True(chord.ErrorIsRetryable(err))
	as.Zero(n.KVProvider.Len())

	n.state.Set(chord.Left)
	as.ErrorIs(n.Put(ctx, "k", []byte("v")), chord.ErrNodeLeft)
	_, err = n.Get(ctx, "k")
	as.ErrorIs(err, chord.ErrNodeLeft)
	as.ErrorIs(n.Import(ctx, entries), chord.ErrNodeLeft)
	as.Zero(n.KVProvider.Len())
}

func TestKVHandoffOnLeave(t *testing.T) {
	as := require.New(t)
	c := newCluster(t, as)
	ctx := context.Background()

	nodes := c.makeRing(3)
	kv := makeKV(48)
	for k, v := range kv {
		as.NoError(nodes[0].Put(ctx, k, v))
	}

	leaving := nodes[1]
	succ := leaving.getSuccessor()
	var successor *LocalNode
	for _, node := range nodes {
		if node.ID() == succ.ID {
			successor = node
		}
	}
	as.NotNil(successor)

	moved := leaving.KVProvider.Len()
	before := successor.KVProvider.Len()

	as.NoError(leaving.Leave(ctx))
	as.Equal(0, leaving.KVProvider.Len())
	as.Equal(before+moved, successor.KVProvider.Len())

	remaining := make([]*LocalNode, 0, 2)
	for _, node := range nodes {
		if node != leaving {
			remaining = append(remaining, node)
		}
	}
	waitRing(as, remaining)

	for k, v := range kv {
		var got []byte
		as.NoError(testcond.WaitForCondition(func() bool {
			var err error
			got, err = randomNode(remaining).Get(ctx, k)
			return err == nil
		}, waitInterval, time.Second*5))
		as.Equal(v, got)
	}
}
