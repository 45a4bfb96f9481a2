package chord

import (
	"crypto/sha1"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRing(t *testing.T) {
	as := require.New(t)

	_, err := NewRing(0)
	as.Error(err)
	_, err = NewRing(MaxBits + 1)
	as.Error(err)

	r, err := NewRing(DefaultBits)
	as.NoError(err)
	as.Equal(uint64(1<<16), r.Size())
}

func TestHash(t *testing.T) {
	for _, bits := range []uint{2, 8, 16, 32, 63} {
		t.Run(fmt.Sprintf("m=%d", bits), func(t *testing.T) {
			as := require.New(t)
			r := Ring{Bits: bits}

			for _, s := range []string{"localhost:49152", "test key", ""} {
				sum := sha1.Sum([]byte(s))
				expected := new(big.Int).SetBytes(sum[:])
				expected.Mod(expected, new(big.Int).Lsh(big.NewInt(1), bits))

				as.Equal(expected.Uint64(), r.Hash(s))
				as.Less(r.Hash(s), r.Size())
			}
		})
	}
}

func TestSlot(t *testing.T) {
	as := require.New(t)
	r := Ring{Bits: 10}

	slot := Slot("hello")
	as.Len(slot, 40)

	id, err := r.SlotID(slot)
	as.NoError(err)
	as.Equal(r.Hash("hello"), id)

	_, err = r.SlotID("zz")
	as.Error(err)
	_, err = r.SlotID("abcd")
	as.Error(err)
}

func TestModulo(t *testing.T) {
	var (
		as        = require.New(t)
		r         = Ring{Bits: 63}
		x  uint64 = 1 << 62
		y  uint64 = 1<<62 + 5
	)

	as.Equal(uint64(5), r.ModuloSum(x, y))
	as.Equal(uint64(1), Ring{Bits: 2}.ModuloSum(3, 2))
}

func TestInRange(t *testing.T) {
	r := Ring{Bits: 4}
	tables := []struct {
		target uint64
		low    uint64
		high   uint64
		result bool
	}{
		{target: 5, low: 3, high: 8, result: true},
		{target: 8, low: 3, high: 8, result: true},
		{target: 3, low: 3, high: 8, result: false},
		{target: 9, low: 3, high: 8, result: false},
		{target: 1, low: 12, high: 2, result: true},
		{target: 14, low: 12, high: 2, result: true},
		{target: 2, low: 12, high: 2, result: true},
		{target: 12, low: 12, high: 2, result: false},
		{target: 7, low: 12, high: 2, result: false},
		{target: 7, low: 4, high: 4, result: true},
		{target: 4, low: 4, high: 4, result: true},
		// reduced before comparing
		{target: 21, low: 3, high: 8, result: true},
	}

	for _, table := range tables {
		t.Run(fmt.Sprintf("%d ∈ (%d, %d] == %v", table.target, table.low, table.high, table.result), func(t *testing.T) {
			as := require.New(t)
			as.Equal(table.result, r.InRange(table.target, table.low, table.high))
		})
	}
}

func TestInRangeBoundaries(t *testing.T) {
	as := require.New(t)
	r := Ring{Bits: 6}

	for a := uint64(0); a < r.Size(); a++ {
		for b := uint64(0); b < r.Size(); b++ {
			if a != b {
				as.False(r.InRange(a, a, b), "%d ∈ (%d, %d]", a, a, b)
			}
			as.True(r.InRange(b, a, b), "%d ∈ (%d, %d]", b, a, b)
		}
	}
}

func TestBetweenStrict(t *testing.T) {
	r := Ring{Bits: 6}
	tables := []struct {
		low    uint64
		target uint64
		high   uint64
		result bool
	}{
		{low: 10, target: 20, high: 10, result: true},
		{low: 10, target: 10, high: 20, result: false},
		{low: 10, target: 20, high: 20, result: false},
		{low: 50, target: 2, high: 10, result: true},
		{low: 10, target: 10, high: 10, result: false},
	}

	for _, table := range tables {
		t.Run(fmt.Sprintf("%d ∈ (%d, %d) == %v", table.target, table.low, table.high, table.result), func(t *testing.T) {
			as := require.New(t)
			as.Equal(table.result, r.BetweenStrict(table.low, table.target, table.high))
		})
	}
}

func TestBetweenInclusiveLow(t *testing.T) {
	as := require.New(t)
	r := Ring{Bits: 6}

	as.True(r.BetweenInclusiveLow(10, 10, 20))
	as.False(r.BetweenInclusiveLow(10, 20, 20))
	as.True(r.BetweenInclusiveLow(50, 63, 10))
	as.True(r.BetweenInclusiveLow(50, 0, 10))
}

func TestFinger(t *testing.T) {
	as := require.New(t)
	r := Ring{Bits: 8}

	a := NewFinger(r, "127.0.0.1:1234")
	b := Finger{ID: a.ID, Address: "other:1"}

	as.True(a.Equal(b))
	as.False(a.IsZero())
	as.True(Finger{}.IsZero())
	as.Contains(a.String(), "127.0.0.1:1234")
}
