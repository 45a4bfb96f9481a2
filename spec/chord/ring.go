package chord

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	// Also known as m in the Chord paper
	DefaultBits uint = 16
	// Identities are uint64, and 2^m must fit
	MaxBits uint = 63
)

// Ring describes the identifier space [0, 2^Bits) shared by every node in one ring.
// All nodes must agree on Bits; it is not negotiated at runtime.
type Ring struct {
	Bits uint
}

func NewRing(bits uint) (Ring, error) {
	if bits == 0 || bits > MaxBits {
		return Ring{}, fmt.Errorf("ring bits must be within [1, %d], got %d", MaxBits, bits)
	}
	return Ring{Bits: bits}, nil
}

func (r Ring) Validate() error {
	_, err := NewRing(r.Bits)
	return err
}

// Size is also known as DHT_SIZE
func (r Ring) Size() uint64 {
	return 1 << r.Bits
}

func (r Ring) Reduce(x uint64) uint64 {
	return x & (r.Size() - 1)
}

// sha1(b) interpreted as a big endian integer, mod 2^m. Since 2^m divides 2^160,
// only the trailing 8 bytes of the digest matter.
func (r Ring) HashBytes(b []byte) uint64 {
	sum := sha1.Sum(b)
	return r.Reduce(binary.BigEndian.Uint64(sum[sha1.Size-8:]))
}

func (r Ring) Hash(s string) uint64 {
	return r.HashBytes([]byte(s))
}

// Slot returns the opaque storage name of a key: the hex encoded sha1 digest.
func Slot(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// SlotID recovers the ring identity of a storage slot produced by Slot.
func (r Ring) SlotID(slot string) (uint64, error) {
	b, err := hex.DecodeString(slot)
	if err != nil {
		return 0, fmt.Errorf("decoding slot: %w", err)
	}
	if len(b) != sha1.Size {
		return 0, fmt.Errorf("invalid slot length %d", len(b))
	}
	return r.Reduce(binary.BigEndian.Uint64(b[sha1.Size-8:])), nil
}

func (r Ring) ModuloSum(x, y uint64) uint64 {
	// split (x + y) % m into (x % m + y % m) % m to avoid overflow
	return r.Reduce(r.Reduce(x) + r.Reduce(y))
}

// target IN (low, high], with low == high covering the entire ring
func (r Ring) InRange(target, low, high uint64) bool {
	low, target, high = r.Reduce(low), r.Reduce(target), r.Reduce(high)
	if high > low {
		return low < target && target <= high
	} else {
		return low < target || target <= high
	}
}

// target IN [low, high)
func (r Ring) BetweenInclusiveLow(low, target, high uint64) bool {
	low, target, high = r.Reduce(low), r.Reduce(target), r.Reduce(high)
	if high > low {
		return low <= target && target < high
	} else {
		return low <= target || target < high
	}
}

// target IN (low, high)
func (r Ring) BetweenStrict(low, target, high uint64) bool {
	low, target, high = r.Reduce(low), r.Reduce(target), r.Reduce(high)
	if high > low {
		return low < target && target < high
	} else {
		return low < target || target < high
	}
}
