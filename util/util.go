package util

import (
	"fmt"
	"math/rand"
	"net"
	"time"
)

func Must[V any](value V, err error) V {
	if err != nil {
		panic(err)
	}
	return value
}

// RandomTimeRange returns a duration in [interval/2, interval]
func RandomTimeRange(interval time.Duration) time.Duration {
	half := int64(interval / 2)
	if half <= 0 {
		return interval
	}
	return time.Duration(half + rand.Int63n(int64(interval)-half+1))
}

// OutboundIP is the local address used to reach the internet, used when a node listens on
// an unspecified address and needs something to advertise.
func OutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", "1.1.1.1:53")
	if err != nil {
		return nil, fmt.Errorf("determining outbound address: %w", err)
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}
