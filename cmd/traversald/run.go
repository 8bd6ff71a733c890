package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"traversald/internal/app"
)

var (
	cfgPath     string
	stopTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

func init() {
	runCmd.Flags().StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	runCmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 45*time.Second, "upper bound for graceful shutdown")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	// Not running under systemd is fine; SdNotify is a no-op then.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = reasonFor(sig)
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	stopped := make(chan error, 1)
	go func() { stopped <- a.Stop(stopCtx, reason) }()

	select {
	case err = <-stopped:
	case <-sigCh:
		fmt.Fprintln(os.Stderr, "second signal received; abandoning graceful shutdown")
		stopCancel()
		err = <-stopped
	}

	if fatal := a.Err(); fatal != nil {
		return fatal
	}
	return err
}

func reasonFor(sig os.Signal) app.StopReason {
	switch sig {
	case os.Interrupt:
		return app.StopSIGINT
	case syscall.SIGTERM:
		return app.StopSIGTERM
	default:
		return app.StopUnknown
	}
}
