package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/duetcapture/internal/session"

	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Preview loopback and mic levels without recording",
	Long: `Open both devices and stream LevelChanged events without writing any
files, so gains and device selection can be checked before a real
recording. Press Ctrl+C to stop.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		ctrl := session.NewController(slog.Default())
		defer ctrl.Dispose()

		sub := ctrl.Events()
		go relayEvents(sub.Subscribe())

		ctrl.SetLoopbackGain(cfg.Gains.Loopback)
		ctrl.SetMicGain(cfg.Gains.Mic)

		slog.Info("starting monitor", "loopback", cfg.Devices.Loopback, "mic", cfg.Devices.Mic)
		if err := ctrl.Monitor(ctx, cfg.Devices.Loopback, cfg.Devices.Mic); err != nil {
			return fmt.Errorf("monitor: %w", err)
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		slog.Info("stopping monitor")
		if err := ctrl.StopMonitor(); err != nil {
			return fmt.Errorf("monitor: stop: %w", err)
		}
		return nil
	},
}
