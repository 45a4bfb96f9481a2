package chord

import (
	"context"
	"strconv"
)

// HopsHeader carries how many times a request has been relayed between nodes
const HopsHeader = "X-Chord-Hops"

type hopsCtxType string

const hopsCtxKey hopsCtxType = "relayHops"

func WithHops(ctx context.Context, hops int) context.Context {
	return context.WithValue(ctx, hopsCtxKey, hops)
}

func GetHops(ctx context.Context) int {
	hops, ok := ctx.Value(hopsCtxKey).(int)
	if !ok {
		return 0
	}
	return hops
}

// ParseHops reads the header value; anything unparsable counts as a fresh request
func ParseHops(v string) int {
	hops, err := strconv.Atoi(v)
	if err != nil || hops < 0 {
		return 0
	}
	return hops
}
