package session

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the small metadata sidecar written next to a session's
// audio outputs, in the teacher's own BackingtrackConfig YAML-sidecar
// idiom (service.go's saveBackingtrackConfig), generalized to record
// this session's devices, gains-at-stop, and duration.
type Manifest struct {
	SessionID     string    `yaml:"session_id"`
	StartedAt     time.Time `yaml:"started_at"`
	StoppedAt     time.Time `yaml:"stopped_at"`
	DurationSecs  float64   `yaml:"duration_seconds"`
	LoopbackID    string    `yaml:"loopback_device_id"`
	MicID         string    `yaml:"mic_device_id"`
	SampleRate    int       `yaml:"sample_rate"`
	Channels      int       `yaml:"channels"`
	LoopbackGain  float64   `yaml:"loopback_gain_at_stop"`
	MicGain       float64   `yaml:"mic_gain_at_stop"`
	SystemPath    string    `yaml:"system_path"`
	MicPath       string    `yaml:"mic_path"`
	MixPath       string    `yaml:"mix_path"`
	MP3Path       string    `yaml:"mp3_path,omitempty"`
	DroppedBlocks int64     `yaml:"dropped_blocks"`
	Underruns     int64     `yaml:"underruns"`
	WriterFault   string    `yaml:"writer_fault,omitempty"`
}

func writeManifest(path string, m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("session: marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("session: write manifest %s: %w", path, err)
	}
	return nil
}
