package chord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// flakyKV fails the first failures calls of every operation with err
type flakyKV struct {
	KV
	err      error
	failures int
	calls    int
	imported int
}

func (f *flakyKV) fail() error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyKV) Put(context.Context, string, []byte) error {
	return f.fail()
}

func (f *flakyKV) Get(context.Context, string) ([]byte, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return []byte("value"), nil
}

func (f *flakyKV) Delete(context.Context, string) error {
	return f.fail()
}

func (f *flakyKV) Import(_ context.Context, entries map[string][]byte) error {
	f.imported += len(entries)
	return f.fail()
}

func TestRetryKV(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	flaky := &flakyKV{err: Errorf(ErrLookupFailed, "stale finger"), failures: 2}
	kv := WrapRetryKV(flaky, time.Millisecond, 3)

	got, err := kv.Get(ctx, "key")
	as.NoError(err)
	as.Equal([]byte("value"), got)
	as.Equal(3, flaky.calls)

	flaky.calls = 0
	as.NoError(kv.Put(ctx, "key", []byte("value")))
	as.Equal(3, flaky.calls)

	// out of attempts, the last error surfaces as is
	flaky.calls = 0
	flaky.failures = 5
	err = kv.Delete(ctx, "key")
	as.ErrorIs(err, ErrLookupFailed)
	as.Equal(3, flaky.calls)
}

func TestRetryKVNotRetryable(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	flaky := &flakyKV{err: ErrKVNotFound, failures: 1}
	kv := WrapRetryKV(flaky, time.Millisecond, 3)

	_, err := kv.Get(ctx, "missing")
	as.ErrorIs(err, ErrKVNotFound)
	as.Equal(1, flaky.calls)

	// handoff is best-effort and never repeated
	flaky.calls = 0
	flaky.err = ErrNodeLeaving
	as.ErrorIs(kv.Import(ctx, map[string][]byte{"a": nil}), ErrNodeLeaving)
	as.Equal(1, flaky.calls)
	as.Equal(1, flaky.imported)
}

func TestRetryKVContext(t *testing.T) {
	as := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	flaky := &flakyKV{err: ErrNodeLeaving, failures: 5}
	kv := WrapRetryKV(flaky, time.Second, 5)

	err := kv.Put(ctx, "key", nil)
	as.ErrorIs(err, context.Canceled)
	as.Zero(flaky.calls)
}
