package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RingEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chord_ring_events_total",
		Help: "Ring membership and pointer changes observed by local nodes",
	}, []string{"event"})

	KVOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chord_kv_operations_total",
		Help: "KV operations handled, by whether they were served locally or relayed",
	}, []string{"op", "target"})

	StoredKeys = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chord_stored_keys",
		Help: "Number of slots stored by a local node",
	}, []string{"node"})
)

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
