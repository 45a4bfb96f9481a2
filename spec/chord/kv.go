package chord

import "context"

// KV is the routed key/value surface. Implementations resolve the owner of a key and
// either serve it locally or relay to the owner.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) (value []byte, err error)
	Delete(ctx context.Context, key string) error

	// Import stores slots handed off by a departing node without routing
	Import(ctx context.Context, entries map[string][]byte) error
}

// KVProvider is the node-local store, keyed by storage slot.
type KVProvider interface {
	Put(slot string, value []byte)
	Get(slot string) (value []byte, ok bool)
	Delete(slot string) bool

	Len() int
	// RangeSlots returns slots in identity order whose identity satisfies fn
	RangeSlots(fn func(id uint64) bool) []string
	Export() map[string][]byte
	Import(entries map[string][]byte)
	Remove(slots []string)
}
