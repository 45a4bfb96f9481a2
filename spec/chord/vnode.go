package chord

import "context"

// VNode is a participant of the ring, either the local node or a peer reached over RPC.
type VNode interface {
	KV

	ID() uint64
	Identity() Finger

	Ping(ctx context.Context) error
	Notify(ctx context.Context, predecessor Finger) error

	FindSuccessor(ctx context.Context, key uint64) (Finger, error)
	// GetPredecessor returns nil without error when the predecessor is unknown
	GetPredecessor(ctx context.Context) (*Finger, error)

	VNodeMembership
}

type VNodeMembership interface {
	// InformPredecessor forcibly replaces the receiver's predecessor
	InformPredecessor(ctx context.Context, predecessor Finger) error
	// InformSuccessor forcibly replaces the receiver's successor
	InformSuccessor(ctx context.Context, successor Finger) error
}
