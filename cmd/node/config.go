package node

import (
	"fmt"
	"os"
	"time"

	chordImpl "go.miragespace.co/chordkv/chord"
	"go.miragespace.co/chordkv/rpc"
	"go.miragespace.co/chordkv/spec/chord"
	"go.miragespace.co/chordkv/timing"

	"github.com/alecthomas/units"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// FileConfig mirrors the node flags that can also be provided through --config.
// Zero values leave the default (or the flag) in place.
type FileConfig struct {
	Bits                     uint           `yaml:"bits,omitempty"`
	StabilizeInterval        time.Duration  `yaml:"stabilizeInterval,omitempty"`
	FixFingerInterval        time.Duration  `yaml:"fixFingerInterval,omitempty"`
	PredecessorCheckInterval time.Duration  `yaml:"predecessorCheckInterval,omitempty"`
	PingTimeout              time.Duration  `yaml:"pingTimeout,omitempty"`
	RPCTimeout               time.Duration  `yaml:"rpcTimeout,omitempty"`
	FixFingers               *bool          `yaml:"fixFingers,omitempty"`
	JoinAttempts             uint           `yaml:"joinAttempts,omitempty"`
	MaxRelayHops             int            `yaml:"maxRelayHops,omitempty"`
	MaxBodySize              string         `yaml:"maxBodySize,omitempty"`
	OperatorRate             int            `yaml:"operatorRate,omitempty"`
	DieAfter                 *time.Duration `yaml:"dieAfter,omitempty"`
}

func readFileConfig(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	cfg := &FileConfig{}
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decoding config file: %w", err)
	}
	return cfg, nil
}

type settings struct {
	Bits                     uint
	StabilizeInterval        time.Duration
	FixFingerInterval        time.Duration
	PredecessorCheckInterval time.Duration
	PingTimeout              time.Duration
	RPCTimeout               time.Duration
	FixFingers               bool
	JoinAttempts             uint
	MaxRelayHops             int
	MaxBodySize              int64
	OperatorRate             int
	DieAfter                 time.Duration
}

func defaultSettings() settings {
	return settings{
		Bits:                     chord.DefaultBits,
		StabilizeInterval:        timing.ChordStabilizeInterval,
		FixFingerInterval:        timing.ChordFixFingerInterval,
		PredecessorCheckInterval: timing.ChordPredecessorCheckInterval,
		PingTimeout:              timing.ChordPingTimeout,
		RPCTimeout:               timing.ChordRPCTimeout,
		FixFingers:               true,
		JoinAttempts:             chordImpl.DefaultJoinAttempts,
		MaxBodySize:              rpc.DefaultMaxBodySize,
		DieAfter:                 timing.NodeDieAfter,
	}
}

func parseBodySize(v string) (int64, error) {
	size, err := units.ParseBase2Bytes(v)
	if err != nil {
		return 0, fmt.Errorf("parsing body size %q: %w", v, err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("body size must be positive, got %q", v)
	}
	return int64(size), nil
}

func (s *settings) applyFile(f *FileConfig) error {
	if f.Bits != 0 {
		s.Bits = f.Bits
	}
	if f.StabilizeInterval != 0 {
		s.StabilizeInterval = f.StabilizeInterval
	}
	if f.FixFingerInterval != 0 {
		s.FixFingerInterval = f.FixFingerInterval
	}
	if f.PredecessorCheckInterval != 0 {
		s.PredecessorCheckInterval = f.PredecessorCheckInterval
	}
	if f.PingTimeout != 0 {
		s.PingTimeout = f.PingTimeout
	}
	if f.RPCTimeout != 0 {
		s.RPCTimeout = f.RPCTimeout
	}
	if f.FixFingers != nil {
		s.FixFingers = *f.FixFingers
	}
	if f.JoinAttempts != 0 {
		s.JoinAttempts = f.JoinAttempts
	}
	if f.MaxRelayHops != 0 {
		s.MaxRelayHops = f.MaxRelayHops
	}
	if f.MaxBodySize != "" {
		size, err := parseBodySize(f.MaxBodySize)
		if err != nil {
			return err
		}
		s.MaxBodySize = size
	}
	if f.OperatorRate != 0 {
		s.OperatorRate = f.OperatorRate
	}
	if f.DieAfter != nil {
		s.DieAfter = *f.DieAfter
	}
	return nil
}

// applyFlags only looks at flags given on the command line, so they win over the file
func (s *settings) applyFlags(ctx *cli.Context) error {
	if ctx.IsSet("bits") {
		s.Bits = ctx.Uint("bits")
	}
	if ctx.IsSet("interval") {
		interval := ctx.Duration("interval")
		s.StabilizeInterval = interval
		s.FixFingerInterval = interval
		s.PredecessorCheckInterval = interval
	}
	if ctx.IsSet("fix-fingers") {
		s.FixFingers = ctx.Bool("fix-fingers")
	}
	if ctx.IsSet("max-relay-hops") {
		s.MaxRelayHops = ctx.Int("max-relay-hops")
	}
	if ctx.IsSet("max-body") {
		size, err := parseBodySize(ctx.String("max-body"))
		if err != nil {
			return err
		}
		s.MaxBodySize = size
	}
	if ctx.IsSet("operator-rate") {
		s.OperatorRate = ctx.Int("operator-rate")
	}
	if ctx.IsSet("die-after") {
		s.DieAfter = ctx.Duration("die-after")
	}
	return nil
}

func (s settings) validate() error {
	if _, err := chord.NewRing(s.Bits); err != nil {
		return err
	}
	if s.StabilizeInterval <= 0 || s.FixFingerInterval <= 0 || s.PredecessorCheckInterval <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	if s.PingTimeout <= 0 || s.RPCTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if s.MaxRelayHops < 0 {
		return fmt.Errorf("max-relay-hops cannot be negative")
	}
	if s.DieAfter < 0 {
		return fmt.Errorf("die-after cannot be negative")
	}
	return nil
}

func resolveSettings(ctx *cli.Context) (settings, error) {
	s := defaultSettings()
	if ctx.IsSet("config") {
		f, err := readFileConfig(ctx.Path("config"))
		if err != nil {
			return s, err
		}
		if err := s.applyFile(f); err != nil {
			return s, err
		}
	}
	if err := s.applyFlags(ctx); err != nil {
		return s, err
	}
	return s, s.validate()
}
