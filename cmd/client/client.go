package client

import (
	"fmt"
	"os"
	"strings"
	"time"

	chordClient "go.miragespace.co/chordkv/client"
	"go.miragespace.co/chordkv/timing"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func timeoutFlag() cli.Flag {
	return &cli.DurationFlag{
		Name:     "timeout",
		Value:    timing.ChordRPCTimeout,
		Usage:    "Timeout of every request sent to a node",
		Category: "Client Options",
	}
}

func retriesFlag() cli.Flag {
	return &cli.UintFlag{
		Name:     "retries",
		Value:    chordClient.DefaultRetryAttempts,
		Usage:    "Attempts for a storage request failing with a retryable error, such as a lookup during a membership change",
		Category: "Client Options",
	}
}

func clientFlags() []cli.Flag {
	return []cli.Flag{timeoutFlag(), retriesFlag()}
}

func Generate() []*cli.Command {
	return []*cli.Command{
		{
			Name:      "check",
			Usage:     "discover a ring from seed nodes and verify storage end to end",
			ArgsUsage: "NODE [NODE...]",
			Description: `Walk /neighbors from the given nodes to discover the whole ring, then store and retrieve pairs through the same node and through random different nodes, and finally read a key that was never written.

	Reports success rate, throughput, and p50/p90/p99 latencies for each phase.`,
			Flags: append(clientFlags(),
				&cli.IntFlag{
					Name:     "pairs",
					Value:    chordClient.DefaultCheckPairs,
					Usage:    "Number of key/value pairs per phase",
					Category: "Check Options",
				},
				&cli.IntFlag{
					Name:     "concurrency",
					Value:    chordClient.DefaultCheckConcurrency,
					Usage:    "Number of pairs in flight when using different nodes",
					Category: "Check Options",
				},
				&cli.BoolFlag{
					Name:     "verify-ring",
					Usage:    "Also compare the ring digest reported by every node",
					Category: "Check Options",
				},
			),
			Before: requireArgs(1),
			Action: cmdCheck,
		},
		{
			Name:      "get",
			Usage:     "retrieve the value of a key through a node",
			ArgsUsage: "NODE KEY",
			Flags:     clientFlags(),
			Before:    requireArgs(2),
			Action:    cmdGet,
		},
		{
			Name:      "put",
			Usage:     "store a value under a key through a node",
			ArgsUsage: "NODE KEY VALUE",
			Flags:     clientFlags(),
			Before:    requireArgs(3),
			Action:    cmdPut,
		},
		{
			Name:      "neighbors",
			Aliases:   []string{"neighbours"},
			Usage:     "list the successor and predecessor of a node",
			ArgsUsage: "NODE",
			Flags:     clientFlags(),
			Before:    requireArgs(1),
			Action:    cmdNeighbors,
		},
		{
			Name:      "terminal",
			Usage:     "interactive menu to search, insert, and list neighbours through a node",
			ArgsUsage: "NODE",
			Flags:     clientFlags(),
			Before:    requireArgs(1),
			Action:    cmdTerminal,
		},
	}
}

func requireArgs(n int) cli.BeforeFunc {
	return func(ctx *cli.Context) error {
		if ctx.NArg() < n {
			return fmt.Errorf("expected at least %d arguments: %s", n, ctx.Command.ArgsUsage)
		}
		return nil
	}
}

func newClient(ctx *cli.Context) (*chordClient.Client, *zap.Logger, error) {
	logger, ok := ctx.App.Metadata["logger"].(*zap.Logger)
	if !ok || logger == nil {
		return nil, nil, fmt.Errorf("unable to obtain logger from app context")
	}
	return chordClient.New(chordClient.Config{
		Logger:        logger.With(zap.String("component", "client")),
		Timeout:       ctx.Duration("timeout"),
		RetryAttempts: ctx.Uint("retries"),
	}), logger, nil
}

func cmdCheck(ctx *cli.Context) error {
	c, logger, err := newClient(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	report, err := c.Check(ctx.Context, chordClient.CheckConfig{
		Seeds:       ctx.Args().Slice(),
		Pairs:       ctx.Int("pairs"),
		Concurrency: ctx.Int("concurrency"),
		VerifyRing:  ctx.Bool("verify-ring"),
	})
	if report != nil {
		report.Render(os.Stdout)
	}
	if err != nil {
		return err
	}
	logger.Debug("Check completed", zap.Duration("took", time.Since(start)))

	if report.Digests != nil && !report.RingAgreed() {
		return fmt.Errorf("nodes disagree on ring membership")
	}
	return nil
}

func cmdGet(ctx *cli.Context) error {
	c, _, err := newClient(ctx)
	if err != nil {
		return err
	}
	value, err := c.Get(ctx.Context, ctx.Args().Get(0), ctx.Args().Get(1))
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(value))
	return nil
}

func cmdPut(ctx *cli.Context) error {
	c, _, err := newClient(ctx)
	if err != nil {
		return err
	}
	value := strings.Join(ctx.Args().Slice()[2:], " ")
	msg, err := c.Put(ctx.Context, ctx.Args().Get(0), ctx.Args().Get(1), []byte(value))
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, msg)
	return nil
}

func cmdNeighbors(ctx *cli.Context) error {
	c, _, err := newClient(ctx)
	if err != nil {
		return err
	}
	neighbors, err := c.Neighbors(ctx.Context, ctx.Args().Get(0))
	if err != nil {
		return err
	}
	for _, n := range neighbors {
		fmt.Fprintln(os.Stdout, n)
	}
	return nil
}

func cmdTerminal(ctx *cli.Context) error {
	c, _, err := newClient(ctx)
	if err != nil {
		return err
	}
	return chordClient.NewTerminal(c, ctx.Args().Get(0), os.Stdin, os.Stdout).Run(ctx.Context)
}
