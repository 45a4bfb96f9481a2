package chord

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var kvRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chord_kv_retries_total",
	Help: "KV operations retried after a retryable error, by operation",
}, []string{"op"})

type retryKV struct {
	KV
	interval time.Duration
	attempts uint
}

// WrapRetryKV retries Put, Get and Delete on kv while they fail with an error marked
// retryable, such as a lookup racing a membership change or an owner handing off its keys.
// The delay doubles after every attempt, up to four times interval. Import is not retried.
func WrapRetryKV(kv KV, interval time.Duration, attempts uint) KV {
	return &retryKV{
		KV:       kv,
		interval: interval,
		attempts: attempts,
	}
}

func (r *retryKV) options(ctx context.Context, op string) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.interval),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(4 * r.interval),
		retry.RetryIf(ErrorIsRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(_ uint, _ error) {
			kvRetries.WithLabelValues(op).Inc()
		}),
	}
}

func (r *retryKV) Put(ctx context.Context, key string, value []byte) error {
	return retry.Do(func() error {
		return r.KV.Put(ctx, key, value)
	}, r.options(ctx, "put")...)
}

func (r *retryKV) Get(ctx context.Context, key string) ([]byte, error) {
	return retry.DoWithData(func() ([]byte, error) {
		return r.KV.Get(ctx, key)
	}, r.options(ctx, "get")...)
}

func (r *retryKV) Delete(ctx context.Context, key string) error {
	return retry.Do(func() error {
		return r.KV.Delete(ctx, key)
	}, r.options(ctx, "delete")...)
}
