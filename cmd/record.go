package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/audiolibrelab/duetcapture/internal/session"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record [session-name]",
	Short: "Record loopback and mic audio until interrupted",
	Long: `Record loopback (system) audio and the microphone simultaneously,
writing system, mic, and mix WAV files (plus an optional MP3) under the
configured output directory. Press Ctrl+C to stop.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionName := args[0]
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		ctrl := session.NewController(slog.Default())
		defer ctrl.Dispose()

		sub := ctrl.Events()
		logSub := sub.Subscribe()
		go relayEvents(logSub)

		basePath := filepath.Join(cfg.Output.Directory, sessionName)
		if err := os.MkdirAll(cfg.Output.Directory, 0o755); err != nil {
			return fmt.Errorf("record: create output directory: %w", err)
		}

		ctrl.SetLoopbackGain(cfg.Gains.Loopback)
		ctrl.SetMicGain(cfg.Gains.Mic)

		slog.Info("starting recording", "session", sessionName, "output", basePath)
		if err := ctrl.Start(ctx, cfg.Devices.Loopback, cfg.Devices.Mic, basePath, cfg.Output.Mp3BitrateKbps); err != nil {
			return fmt.Errorf("record: start: %w", err)
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		slog.Info("stopping recording", "session", sessionName)

		// A second Ctrl+C during the post-session encode pass cancels it,
		// leaving a partial MP3 in place per the encoder's cancellation
		// contract; the WAV files are already finalized by then.
		stopCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-sigChan
			slog.Warn("second interrupt received, cancelling encode")
			cancel()
		}()

		if err := ctrl.Stop(stopCtx); err != nil {
			return fmt.Errorf("record: stop: %w", err)
		}
		return nil
	},
}
