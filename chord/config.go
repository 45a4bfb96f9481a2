package chord

import (
	"errors"
	"math"
	"time"

	"go.miragespace.co/chordkv/rpc"
	"go.miragespace.co/chordkv/spec/chord"

	"go.uber.org/zap"
)

const (
	DefaultJoinAttempts = 3
	maxRelayHopsLimit   = math.MaxInt32
)

// DefaultMaxRelayHops bounds a single lookup. With fingers a lookup halves the distance
// on every hop, without them it may visit every node, and a ring holds at most 2^m nodes.
func DefaultMaxRelayHops(ring chord.Ring, fixFingers bool) int {
	if fixFingers {
		return 2 * int(ring.Bits)
	}
	if ring.Bits >= 31 {
		return maxRelayHopsLimit
	}
	return int(ring.Size())
}

type NodeConfig struct {
	Logger                   *zap.Logger
	Ring                     chord.Ring
	Address                  string
	RPCClient                *rpc.Client
	KVProvider               chord.KVProvider
	StabilizeInterval        time.Duration
	FixFingerInterval        time.Duration
	PredecessorCheckInterval time.Duration
	PingTimeout              time.Duration
	// When false the finger loop keeps its schedule but never touches the table,
	// leaving routing to walk successor pointers.
	FixFingers   bool
	JoinAttempts uint
	// Zero derives the bound from Ring and FixFingers
	MaxRelayHops int
}

func (c *NodeConfig) Validate() error {
	if c == nil {
		return errors.New("nil NodeConfig")
	}
	if c.Logger == nil {
		return errors.New("nil Logger")
	}
	if err := c.Ring.Validate(); err != nil {
		return err
	}
	if c.Address == "" {
		return errors.New("empty Address")
	}
	if c.RPCClient == nil {
		return errors.New("nil RPCClient")
	}
	if c.KVProvider == nil {
		return errors.New("nil KVProvider")
	}
	if c.StabilizeInterval <= 0 {
		return errors.New("invalid StabilizeInterval, must be positive")
	}
	if c.FixFingerInterval <= 0 {
		return errors.New("invalid FixFingerInterval, must be positive")
	}
	if c.PredecessorCheckInterval <= 0 {
		return errors.New("invalid PredecessorCheckInterval, must be positive")
	}
	if c.PingTimeout <= 0 {
		return errors.New("invalid PingTimeout, must be positive")
	}
	if c.JoinAttempts == 0 {
		c.JoinAttempts = DefaultJoinAttempts
	}
	if c.MaxRelayHops <= 0 {
		c.MaxRelayHops = DefaultMaxRelayHops(c.Ring, c.FixFingers)
	}
	return nil
}
