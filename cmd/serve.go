package cmd

import (
	"fmt"
	"os"

	"github.com/audiolibrelab/duetcapture/internal/config"
	"github.com/audiolibrelab/duetcapture/internal/server"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server for remote control",
	Long: `Start an HTTP server exposing session status, a /ws event stream, and
Prometheus /metrics, so recording can be driven from a phone or another
machine on the LAN.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")

		configPath := cfgFile
		if configPath == "" {
			configPath = os.ExpandEnv("$HOME/.config/duetcapture.yaml")
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("serve: load config: %w", err)
		}

		srv := server.New(loaded, port)
		return srv.Start()
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the HTTP server")
}
