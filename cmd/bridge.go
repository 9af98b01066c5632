package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cutso/tornado-redisclient/client"
	"github.com/cutso/tornado-redisclient/internal/bridge"
)

var (
	// The host to listen on
	host string

	// The port to listen for http requests on
	httpPort string

	// The number of SO_REUSEPORT listeners
	numListeners int
)

func init() {
	flags := BridgeCmd.Flags()

	flags.StringVar(&httpPort, "http-port", "7362", "The port to listen to HTTP requests on")
	flags.StringVar(&host, "host", "0.0.0.0", "The host to listen on")
	flags.IntVar(&numListeners, "listeners", 0, "The number of listeners sharing the port (default number of CPUs)")
}

var BridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Serve a Redis connection over HTTP",
	Long: `Serve a Redis connection over HTTP

Every request is pipelined over a single connection to the Redis server.

Endpoints
	GET  /ping       liveness
	GET  /health     PINGs the Redis server
	POST /fetch      {"command":["SET","k","v"]}
	POST /pipeline   {"commands":[["SET","k","v"],["GET","k"]]}
	GET  /metrics    prometheus metrics

Usage
	redisclient bridge --addr 127.0.0.1:6379 --http-port 7362

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, log, err := loadEnv(ctx)
		if err != nil {
			return err
		}

		defer log.Sync()

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		// The loop outlives ctx so the session can be closed cleanly below
		loopCtx, stopLoop := context.WithCancel(context.Background())
		defer stopLoop()

		loop, session, err := connect(loopCtx, conf, client.NewMetrics(reg), log)
		if err != nil {
			return err
		}

		defer loop.Stop()

		go watchPushes(session, log)

		router := bridge.NewRouter(session, reg, conf.DebugHTTP, log)

		server := bridge.NewServer(router, bridge.Options{
			Host:         host,
			Port:         httpPort,
			NumListeners: numListeners,
			Log:          log.Named("http"),
		})

		if err := server.Start(); err != nil {
			return multierr.Append(err, session.Close())
		}

		log.Info("Listening",
			zap.String("redis", conf.Addr),
			zap.String("host", host),
			zap.String("httpPort", httpPort))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The server has 5 seconds to finish the requests it is currently
		// handling
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("Http server forced to shutdown", zap.Error(err))
		}

		if err := session.Close(); err != nil {
			log.Error("Session did not close cleanly", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

// watchPushes drains out of band replies, which the bridge has no client
// for, and reports when the connection is gone.
func watchPushes(session *client.Session, log *zap.Logger) {
	for push := range session.Pushes() {
		log.Debug("Ignoring out of band reply", zap.String("type", string(push.Type())))
	}

	log.Warn("Connection to the Redis server is closed")
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
