package memory

import (
	"go.miragespace.co/chordkv/spec/chord"

	"github.com/zhangyunhao116/skipmap"
)

// HashFn maps a storage slot to its ring identity
type HashFn func(slot string) uint64

// MemoryKV groups slots by identity so callers can range over a section of the ring.
type MemoryKV struct {
	s      *skipmap.Uint64Map[*skipmap.StringMap[[]byte]]
	hashFn HashFn
}

var _ chord.KVProvider = (*MemoryKV)(nil)

func newInnerMapFunc() *skipmap.StringMap[[]byte] {
	return skipmap.NewString[[]byte]()
}

func WithHashFn(fn HashFn) *MemoryKV {
	return &MemoryKV{
		s:      skipmap.NewUint64[*skipmap.StringMap[[]byte]](),
		hashFn: fn,
	}
}

// WithRing derives identities from slots produced by chord.Slot. Slots that are
// not sha1 hex land on identity 0.
func WithRing(r chord.Ring) *MemoryKV {
	return WithHashFn(func(slot string) uint64 {
		id, _ := r.SlotID(slot)
		return id
	})
}

func (m *MemoryKV) Len() int {
	n := 0
	m.s.Range(func(_ uint64, kMap *skipmap.StringMap[[]byte]) bool {
		n += kMap.Len()
		return true
	})
	return n
}

func (m *MemoryKV) RangeSlots(fn func(id uint64) bool) []string {
	slots := make([]string, 0)

	m.s.Range(func(id uint64, kMap *skipmap.StringMap[[]byte]) bool {
		if fn(id) {
			kMap.Range(func(slot string, _ []byte) bool {
				slots = append(slots, slot)
				return true
			})
		}
		return true
	})

	return slots
}

func (m *MemoryKV) Export() map[string][]byte {
	entries := make(map[string][]byte)
	m.s.Range(func(_ uint64, kMap *skipmap.StringMap[[]byte]) bool {
		kMap.Range(func(slot string, value []byte) bool {
			entries[slot] = value
			return true
		})
		return true
	})
	return entries
}

func (m *MemoryKV) Import(entries map[string][]byte) {
	for slot, value := range entries {
		m.Put(slot, value)
	}
}

func (m *MemoryKV) Remove(slots []string) {
	for _, slot := range slots {
		m.Delete(slot)
	}
}
