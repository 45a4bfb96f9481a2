package timing

import "time"

const (
	ChordRPCTimeout  = time.Second * 5
	ChordPingTimeout = time.Second * 2

	ReadHeaderTimeout = time.Second * 5
	ShutdownTimeout   = time.Second * 10
)
