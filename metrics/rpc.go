package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metricsContextKey string

const (
	contextStartTime = metricsContextKey("start-time")
)

var rpcDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "chord_rpc_client_duration_seconds",
	Help:    "Duration of outbound RPC calls to peers",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "route", "code"})

func BeginRPC(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextStartTime, time.Now())
}

// FinishRPC records the call started by BeginRPC. A code of 0 means the peer was never reached.
func FinishRPC(ctx context.Context, method, route string, code int) {
	start, ok := ctx.Value(contextStartTime).(time.Time)
	if !ok {
		return
	}
	rpcDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(time.Since(start).Seconds())
}
