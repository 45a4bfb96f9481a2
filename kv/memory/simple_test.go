package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollisionPutGet(t *testing.T) {
	as := assert.New(t)

	kv := WithHashFn(collisionHash)

	for i := 1; i < collisionRing*2; i++ {
		kv.Put(ks(keyPrefix, i), []byte(ks(valPrefix, i)))
	}

	as.LessOrEqual(collisionRing, kv.s.Len())

	for i := 1; i < collisionRing*2; i++ {
		val, ok := kv.Get(ks(keyPrefix, i))
		as.True(ok)
		as.Equal([]byte(ks(valPrefix, i)), val)
	}
}

func TestCollisionMissing(t *testing.T) {
	as := assert.New(t)

	kv := WithHashFn(collisionHash)

	for i := 1; i < collisionRing*2; i++ {
		kv.Put(ks(keyPrefix, i), []byte(ks(valPrefix, i)))
	}

	for i := collisionRing * 2; i < collisionRing*4; i++ {
		val, ok := kv.Get(ks(keyPrefix, i))
		as.False(ok)
		as.Nil(val)
	}
}

func TestCollisionDelete(t *testing.T) {
	as := assert.New(t)

	kv := WithHashFn(collisionHash)

	for i := 1; i < collisionRing*2; i++ {
		kv.Put(ks(keyPrefix, i), []byte(ks(valPrefix, i)))
	}

	for i := 1; i < collisionRing*2; i++ {
		as.True(kv.Delete(ks(keyPrefix, i)))
		as.False(kv.Delete(ks(keyPrefix, i)))

		_, ok := kv.Get(ks(keyPrefix, i))
		as.False(ok)
	}

	as.Equal(0, kv.Len())
}

func TestOverwrite(t *testing.T) {
	as := assert.New(t)

	kv := WithHashFn(collisionHash)

	value := []byte("first")
	kv.Put("key", value)
	// the store keeps its own copy
	value[0] = 'F'
	kv.Put("other", []byte("x"))

	val, ok := kv.Get("key")
	as.True(ok)
	as.Equal([]byte("first"), val)

	kv.Put("key", []byte("second"))
	val, _ = kv.Get("key")
	as.Equal([]byte("second"), val)
	as.Equal(2, kv.Len())
}
