package cmd

import (
	"log/slog"

	"github.com/audiolibrelab/duetcapture/internal/events"
)

// relayEvents drains a subscription onto the ambient logger, for CLI
// commands that don't have their own event consumer (a websocket, a
// UI). Returns once the subscription's channel is closed.
func relayEvents(sub *events.Subscription) {
	for ev := range sub.C() {
		switch {
		case ev.Status != nil:
			s := ev.Status
			switch s.Kind {
			case events.StatusError:
				slog.Error("status", "message", s.Message, "output_paths", s.OutputPaths)
			default:
				slog.Info("status", "kind", s.Kind.String(), "message", s.Message, "output_paths", s.OutputPaths)
			}
		case ev.Encoding != nil:
			slog.Debug("encoding progress", "percent", ev.Encoding.Percent)
		case ev.Level != nil:
			l := ev.Level
			slog.Debug("level", "source", l.Source.String(), "rms", l.RMS, "peak", l.Peak, "clipped", l.Clipped)
		}
	}
}
