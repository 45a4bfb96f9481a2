package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chordImpl "go.miragespace.co/chordkv/chord"
	"go.miragespace.co/chordkv/kv/memory"
	"go.miragespace.co/chordkv/rpc"
	"go.miragespace.co/chordkv/spec/chord"
	"go.miragespace.co/chordkv/timing"
	"go.miragespace.co/chordkv/util"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

func Generate() *cli.Command {
	return &cli.Command{
		Name:  "node",
		Usage: "start a chord node and serve its RPC surface over HTTP",
		Description: `Start a node listening for chord RPC and storage requests over plain HTTP.

	Absent of --join, the node bootstraps a new ring with itself as the only member. The node leaves the ring gracefully, handing its keys to its successor, on SIGINT, SIGTERM, or once --die-after elapses.

	Every node in a ring must agree on --bits, as identities are hashed into a 2^bits ring.`,
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "listen-addr",
				Aliases:  []string{"listen"},
				Value:    "0.0.0.0:8080",
				Usage:    "Address and port to listen for chord RPC and storage requests",
				Category: "Network Options",
			},
			&cli.StringFlag{
				Name:        "advertise-addr",
				Aliases:     []string{"advertise"},
				DefaultText: "outbound IP with the port of listen-addr",
				Usage: `Address and port other nodes and clients use to reach this node.
			Note that the advertised address is hashed to derive the node identity.`,
				Category: "Network Options",
			},
			&cli.StringFlag{
				Name:     "max-body",
				Value:    "8MiB",
				Usage:    "Maximum size of request and response bodies, such as 512KiB or 8MiB",
				Category: "Network Options",
			},
			&cli.IntFlag{
				Name:     "operator-rate",
				Usage:    "Maximum requests per second accepted by operator routes (/leave, /join, /sim-*, /stats, /graph). 0 disables limiting",
				Category: "Network Options",
			},

			&cli.StringFlag{
				Name: "join",
				Usage: `Advertise address of a node already in the ring.
			Absent of this flag will bootstrap a new ring with the current node as the seed node`,
				Category: "Chord Options",
			},
			&cli.UintFlag{
				Name:     "bits",
				Aliases:  []string{"m"},
				Value:    chord.DefaultBits,
				Usage:    "Size of the identifier space in bits. Must match across the ring",
				Category: "Chord Options",
			},
			&cli.DurationFlag{
				Name:        "interval",
				DefaultText: "1s",
				Usage:       "Interval for stabilize, fix fingers, and check predecessor",
				Category:    "Chord Options",
			},
			&cli.BoolFlag{
				Name:     "fix-fingers",
				Value:    true,
				Usage:    "Refresh finger table entries periodically. When disabled, lookups walk successor pointers",
				Category: "Chord Options",
			},
			&cli.IntFlag{
				Name:        "max-relay-hops",
				DefaultText: "2*bits, or 2^bits with --fix-fingers=false",
				Usage:       "Maximum number of relays a single lookup may take before failing",
				Category:    "Chord Options",
			},

			&cli.PathFlag{
				Name:     "config",
				Usage:    "Path to a YAML file with node settings. Flags set on the command line take precedence",
				Category: "Node Options",
			},
			&cli.DurationFlag{
				Name:     "die-after",
				Value:    timing.NodeDieAfter,
				Usage:    "Leave the ring and exit after this long. 0 disables timed termination",
				Category: "Node Options",
			},
			&cli.StringFlag{
				Name:        "sentry",
				DefaultText: "https://public@sentry.example.com/1",
				Usage:       "Sentry DSN for error monitoring. Alternatively, you can set the DSN via the environment variable SENTRY_DSN",
				EnvVars:     []string{"SENTRY_DSN"},
				Category:    "Node Options",
			},
		},
		Action: cmdNode,
	}
}

func modifyToSentryLogger(logger *zap.Logger, client *sentry.Client) *zap.Logger {
	cfg := zapsentry.Configuration{
		Level:             zapcore.WarnLevel,
		EnableBreadcrumbs: true,
		BreadcrumbLevel:   zapcore.InfoLevel,
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(client))

	if err != nil {
		logger.Warn("failed to init zap", zap.Error(err))
	}

	logger = zapsentry.AttachCoreToLogger(core, logger)

	return logger
}

// advertiseAddress fills in a routable host when the node listens on all interfaces
func advertiseAddress(listen, advertise string) (string, error) {
	if advertise != "" {
		if _, _, err := net.SplitHostPort(advertise); err != nil {
			return "", fmt.Errorf("error parsing advertise address: %w", err)
		}
		return advertise, nil
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("error parsing listen address: %w", err)
	}
	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return listen, nil
	}
	ip, err := util.OutboundIP()
	if err != nil {
		return "", fmt.Errorf("error finding outbound address: %w", err)
	}
	return net.JoinHostPort(ip.String(), port), nil
}

func cmdNode(ctx *cli.Context) error {
	logger, ok := ctx.App.Metadata["logger"].(*zap.Logger)
	if !ok || logger == nil {
		return fmt.Errorf("unable to obtain logger from app context")
	}

	s, err := resolveSettings(ctx)
	if err != nil {
		return fmt.Errorf("error loading node settings: %w", err)
	}

	if ctx.IsSet("sentry") {
		client, err := sentry.NewClient(sentry.ClientOptions{
			Dsn:     ctx.String("sentry"),
			Release: ctx.App.Version,
		})
		if err != nil {
			return fmt.Errorf("initializing sentry client: %w", err)
		}
		defer client.Flush(time.Second * 2)

		logger = modifyToSentryLogger(logger, client)
		defer logger.Sync()
	}

	advertise, err := advertiseAddress(ctx.String("listen-addr"), ctx.String("advertise-addr"))
	if err != nil {
		return err
	}

	ring, err := chord.NewRing(s.Bits)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", ctx.String("listen-addr"))
	if err != nil {
		return fmt.Errorf("error setting up listener: %w", err)
	}
	defer listener.Close()

	hc := &http.Client{
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
	}
	defer hc.CloseIdleConnections()

	rpcClient := rpc.NewClient(rpc.Config{
		Logger:      logger.With(zapsentry.NewScope()).With(zap.String("component", "rpc")),
		HTTPClient:  hc,
		Timeout:     s.RPCTimeout,
		MaxBodySize: s.MaxBodySize,
	})

	node := chordImpl.NewLocalNode(chordImpl.NodeConfig{
		Logger:                   logger.With(zapsentry.NewScope()),
		Ring:                     ring,
		Address:                  advertise,
		RPCClient:                rpcClient,
		KVProvider:               memory.WithRing(ring),
		StabilizeInterval:        s.StabilizeInterval,
		FixFingerInterval:        s.FixFingerInterval,
		PredecessorCheckInterval: s.PredecessorCheckInterval,
		PingTimeout:              s.PingTimeout,
		FixFingers:               s.FixFingers,
		JoinAttempts:             s.JoinAttempts,
		MaxRelayHops:             s.MaxRelayHops,
	})
	defer node.Close()

	handler := chordImpl.NewServer(chordImpl.ServerConfig{
		Logger:       logger.With(zapsentry.NewScope()).With(zap.String("component", "server")),
		Node:         node,
		MaxBodySize:  s.MaxBodySize,
		OperatorRate: s.OperatorRate,
	}).Handler()

	// peers may speak HTTP/2 with prior knowledge
	h2s := &http2.Server{}
	srv := &http.Server{
		Handler:           h2c.NewHandler(handler, h2s),
		ReadHeaderTimeout: timing.ReadHeaderTimeout,
		ErrorLog:          util.GetStdLogger(logger, "http", "http: TLS handshake error"),
	}

	g, gctx := errgroup.WithContext(ctx.Context)
	g.Go(func() error {
		if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error serving http: %w", err)
		}
		return nil
	})

	logger.Info("Node listening",
		zap.String("listen", listener.Addr().String()),
		zap.String("advertise", advertise),
		zap.Uint64("node", node.ID()),
		zap.Uint("bits", s.Bits))

	if ctx.IsSet("join") {
		succ, err := node.Join(gctx, ctx.String("join"))
		if err != nil {
			srv.Close()
			g.Wait()
			return fmt.Errorf("error joining ring via %s: %w", ctx.String("join"), err)
		}
		logger.Info("Joined existing ring", zap.Object("successor", succ))
	} else {
		if err := node.Create(); err != nil {
			srv.Close()
			g.Wait()
			return fmt.Errorf("error bootstrapping chord ring: %w", err)
		}
		logger.Info("Bootstrapped new ring")
	}

	var deadline <-chan time.Time
	if s.DieAfter > 0 {
		timer := time.NewTimer(s.DieAfter)
		defer timer.Stop()
		deadline = timer.C
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		logger.Info("received signal to stop", zap.String("signal", sig.String()))
	case <-deadline:
		logger.Info("die-after elapsed, leaving ring", zap.Duration("die-after", s.DieAfter))
	case <-gctx.Done():
		logger.Info("context done", zap.Error(gctx.Err()))
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), timing.ShutdownTimeout)
	defer cancel()

	if node.State() == chord.Active {
		if err := node.Leave(leaveCtx); err != nil {
			logger.Error("Error leaving ring", zap.Error(err))
		}
	}
	if err := srv.Shutdown(leaveCtx); err != nil {
		logger.Error("Error shutting down http server", zap.Error(err))
	}

	return g.Wait()
}
