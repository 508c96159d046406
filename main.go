package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRootCmd(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zmqsniff [endpoint]",
		Short: "Print report.options messages from a ZeroMQ PUB socket",
		Long: `zmqsniff subscribes to one topic prefix on a ZeroMQ publisher and prints a
short summary of every message it receives: underlying, expiry, row count and
the deltas of the first few strikes.

The endpoint defaults to tcp://localhost:5556. Press Ctrl+C to stop.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(cmd.Flags(), args)
			if err != nil {
				return err
			}
			log, err := NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer log.Sync()

			return run(cmd.Context(), cfg, out, log)
		},
	}
	registerFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg Config, out io.Writer, log *zap.Logger) error {
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return err
	}

	endpoint := cfg.Endpoint
	checker := NewChecker(cfg.Check, log)
	if cfg.SSH.Target != "" {
		remote, err := tcpAddress(endpoint)
		if err != nil {
			return fmt.Errorf("ssh tunnel: %w", err)
		}
		tunnel, err := OpenTunnel(ctx, cfg.SSH, remote, log)
		if err != nil {
			return fmt.Errorf("ssh tunnel: %w", err)
		}
		defer tunnel.Close()
		endpoint = tunnel.Endpoint()
		checker = checker.Through(tunnel)
	}

	// The remote endpoint is checked even when tunnelled; the local end of
	// the tunnel always accepts.
	if cfg.Check.Enabled {
		if err := checker.Check(ctx, cfg.Endpoint); err != nil {
			return fmt.Errorf("failed to reach %s: %w", cfg.Endpoint, err)
		}
	}

	sub, err := NewSubscriber(ctx, cfg.Transport, cfg.PollInterval)
	if err != nil {
		return err
	}
	return listen(ctx, cfg, endpoint, sub, codec, out, log)
}

// listen connects sub to endpoint and prints messages until ctx is done.
// sub is closed on return.
func listen(ctx context.Context, cfg Config, endpoint string, sub Subscriber, codec Codec, out io.Writer, log *zap.Logger) error {
	defer sub.Close()

	if err := sub.Connect(endpoint); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.Endpoint, err)
	}
	if err := sub.Subscribe(cfg.Topic); err != nil {
		return fmt.Errorf("failed to subscribe to %q: %w", cfg.Topic, err)
	}
	log.Debug("subscribed",
		zap.String("endpoint", endpoint),
		zap.String("topic", cfg.Topic),
		zap.String("transport", cfg.Transport),
		zap.String("codec", codec.Name()))

	fmt.Fprintf(out, "Connected to %s\n", cfg.Endpoint)
	fmt.Fprintf(out, "Listening for %s messages...\n\n", cfg.Topic)

	renderer := NewRenderer(codec, cfg.MaxRows, cfg.PreviewBytes)
	return NewListener(sub, renderer, out, log).Run(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
