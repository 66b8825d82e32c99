package cmd

import (
	"fmt"

	"github.com/audiolibrelab/duetcapture/internal/capture"
	"github.com/gen2brain/malgo"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available loopback and microphone devices",
	Long:  `List the loopback (system audio) and capture (microphone) devices malgo can open on this machine.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loopback, err := capture.EnumerateDevices(malgo.Loopback)
		if err != nil {
			return fmt.Errorf("sources: enumerate loopback devices: %w", err)
		}
		mics, err := capture.EnumerateDevices(malgo.Capture)
		if err != nil {
			return fmt.Errorf("sources: enumerate capture devices: %w", err)
		}

		printDevices("Loopback (system audio)", loopback)
		fmt.Println()
		printDevices("Microphone", mics)
		return nil
	},
}

func printDevices(heading string, infos []capture.DeviceInfo) {
	fmt.Printf("%s:\n", heading)
	if len(infos) == 0 {
		fmt.Println("  (none found)")
		return
	}
	for _, d := range infos {
		marker := ""
		if d.IsDefault {
			marker = " (default)"
		}
		fmt.Printf("  %d. %s [%s]%s\n", d.Index, d.Name, d.ID, marker)
	}
}
