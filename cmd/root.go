package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cutso/tornado-redisclient/client"
	"github.com/cutso/tornado-redisclient/cmd/gen"
	"github.com/cutso/tornado-redisclient/internal/env"
	"github.com/cutso/tornado-redisclient/transport"
)

var (
	// The Redis server to connect to, overrides REDISCLIENT_ADDR
	addr string

	// Overrides REDISCLIENT_LOG_LEVEL
	logLevel string
)

var RootCmd = &cobra.Command{
	Use:   "redisclient",
	Short: "A pipelining Redis client",
	Long: `A pipelining Redis client.

Commands are written back to back over a single connection and replies are
matched to them in order.`,
	SilenceUsage: true,
}

func init() {
	flags := RootCmd.PersistentFlags()

	flags.StringVarP(&addr, "addr", "a", "", "The Redis server to connect to (default $REDISCLIENT_ADDR or 127.0.0.1:6379)")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (default $REDISCLIENT_LOG_LEVEL or info)")

	RootCmd.AddCommand(ExecCmd, BridgeCmd, VersionCmd, gen.RootCmd)
}

// Execute runs the root command, exiting non-zero if it fails.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadEnv reads the config and applies the persistent flags on top of it.
func loadEnv(ctx context.Context) (*env.Config, *zap.Logger, error) {
	conf, err := env.LoadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}

	if addr != "" {
		conf.Addr = addr
	}

	if logLevel != "" {
		conf.LogLevel = logLevel
	}

	log, err := env.MakeLogger(conf.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	return conf, log, nil
}

// connect starts a loop and dials a session on it. The loop runs until ctx
// is done.
func connect(ctx context.Context, conf *env.Config, metrics *client.Metrics, log *zap.Logger) (*transport.Loop, *client.Session, error) {
	loop := transport.NewLoop(log)

	go func() {
		if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Loop stopped", zap.Error(err))
		}
	}()

	session, err := client.Dial(ctx, loop, conf.Addr, client.Options{
		PushBufferSize: conf.PushBufferSize,
		Metrics:        metrics,
		Transport: transport.Options{
			DialTimeout: conf.DialTimeout,
		},
		Log: log,
	})
	if err != nil {
		loop.Stop()
		return nil, nil, err
	}

	return loop, session, nil
}
