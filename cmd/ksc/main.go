// Command ksc is the autoscaling daemon: it loads the stream policy
// document and runs one monitor per configured stream until stopped.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kinesis-scaling-controller/ksc/internal/bootstrap"
	"github.com/kinesis-scaling-controller/ksc/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile    string
		configFileURL string
		suppressAbort bool
	)
	flag.StringVar(&configFile, "config", "", "Path to the process configuration file")
	flag.StringVar(&configFileURL, "config-file-url", "", "Location of the autoscaling policy document (s3://, http(s):// or a file path)")
	flag.BoolVar(&suppressAbort, "suppress-abort-on-fatal", false, "Stay alive instead of exiting on fatal startup errors")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bs := bootstrap.New()
	if err := bs.Initialize(ctx, configFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		return 1
	}

	// command line flags override the process configuration
	if configFileURL != "" {
		bs.Config.ConfigFileURL = configFileURL
	}
	if suppressAbort {
		bs.Config.SuppressAbortOnFatal = true
	}

	logger := bs.Logger
	logger.Info(ctx, "kinesis autoscaling daemon starting",
		zap.String("policy_document", bs.Config.ConfigFileURL))

	if err := bs.Start(ctx); err != nil {
		logger.Error(ctx, "fatal startup error", zap.Error(err))
		if bs.Config.SuppressAbortOnFatal {
			// the operator asked us to stay up for the container host;
			// nothing is monitored in this state
			logger.Warn(ctx, "abort suppressed, staying alive without monitors")
			waitForSignal(ctx, logger)
			return 0
		}
		return 1
	}

	runErr := make(chan error, 1)
	go func() { runErr <- bs.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutdown signal received", zap.String("signal", sig.String()))
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			logger.Error(ctx, "autoscaling controller failed", zap.Error(err))
			exitCode = 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := bs.Stop(shutdownCtx); err != nil {
		logger.Error(ctx, "error during shutdown", zap.Error(err))
		return 1
	}

	logger.Info(ctx, "kinesis autoscaling daemon stopped")
	return exitCode
}

func waitForSignal(ctx context.Context, logger logging.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info(ctx, "shutdown signal received", zap.String("signal", sig.String()))
}
