package timing

import "time"

const (
	ChordStabilizeInterval        = time.Second
	ChordFixFingerInterval        = time.Second
	ChordPredecessorCheckInterval = time.Second

	// Nodes started from the CLI terminate themselves after this long unless disabled
	NodeDieAfter = time.Minute * 3
)
