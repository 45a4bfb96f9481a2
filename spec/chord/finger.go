package chord

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Finger is an immutable reference to a node: its address and the identity derived from it.
// Fingers are passed by value so identity and address are always read together.
type Finger struct {
	ID      uint64 `json:"identity"`
	Address string `json:"address"`
}

var _ zapcore.ObjectMarshaler = Finger{}

func NewFinger(r Ring, address string) Finger {
	return Finger{
		ID:      r.Hash(address),
		Address: address,
	}
}

// Equal compares identities only; two addresses hashing to the same identity are the same node.
func (f Finger) Equal(o Finger) bool {
	return f.ID == o.ID
}

func (f Finger) IsZero() bool {
	return f.Address == ""
}

func (f Finger) String() string {
	return fmt.Sprintf("%s/%d", f.Address, f.ID)
}

func (f Finger) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("id", f.ID)
	enc.AddString("address", f.Address)
	return nil
}
