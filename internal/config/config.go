// Package config loads the duetcapture YAML configuration file with
// spf13/viper, exactly as the teacher's own internal/config does,
// generalized from the teacher's N-channel jam-mixer profile schema to
// this system's simpler device/gain/output shape.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Devices names the loopback (system audio) and microphone capture
// devices by ID, as accepted by internal/capture.OpenCaptureDevice.
// An empty string means "platform default".
type Devices struct {
	Loopback string `mapstructure:"loopback" yaml:"loopback"`
	Mic      string `mapstructure:"mic" yaml:"mic"`
}

// Gains holds the initial gain scalars applied at session start; both
// are runtime-adjustable afterward via the controller's atomic gain
// properties.
type Gains struct {
	Loopback float64 `mapstructure:"loopback" yaml:"loopback"`
	Mic      float64 `mapstructure:"mic" yaml:"mic"`
}

// Output holds where sessions are written and whether an MP3 pass runs
// at stop.
type Output struct {
	Directory      string `mapstructure:"directory" yaml:"directory"`
	Mp3BitrateKbps int    `mapstructure:"mp3_bitrate_kbps" yaml:"mp3_bitrate_kbps"`
}

// Config is the top-level configuration document.
type Config struct {
	Devices Devices `mapstructure:"devices" yaml:"devices"`
	Gains   Gains   `mapstructure:"gains" yaml:"gains"`
	Output  Output  `mapstructure:"output" yaml:"output"`
}

var defaultConfig = Config{
	Devices: Devices{
		Loopback: "default",
		Mic:      "default",
	},
	Gains: Gains{
		Loopback: 1.0,
		Mic:      1.0,
	},
	Output: Output{
		Directory:      filepath.Join(os.Getenv("HOME"), "Audio", "DuetCapture"),
		Mp3BitrateKbps: 0,
	},
}

// Load reads configFile with viper, falling back to defaultConfig for
// anything the file doesn't specify, and validates the result.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetDefault("devices.loopback", defaultConfig.Devices.Loopback)
	v.SetDefault("devices.mic", defaultConfig.Devices.Mic)
	v.SetDefault("gains.loopback", defaultConfig.Gains.Loopback)
	v.SetDefault("gains.mic", defaultConfig.Gains.Mic)
	v.SetDefault("output.directory", defaultConfig.Output.Directory)
	v.SetDefault("output.mp3_bitrate_kbps", defaultConfig.Output.Mp3BitrateKbps)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", configFile, err)
	}

	cfg.Output.Directory = expandPath(cfg.Output.Directory)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects gain/bitrate values that would violate the atomic
// gain and MP3-bitrate contracts documented in the controller.
func (c *Config) Validate() error {
	if math.IsNaN(c.Gains.Loopback) || math.IsInf(c.Gains.Loopback, 0) {
		return fmt.Errorf("gains.loopback must be finite, got %v", c.Gains.Loopback)
	}
	if math.IsNaN(c.Gains.Mic) || math.IsInf(c.Gains.Mic, 0) {
		return fmt.Errorf("gains.mic must be finite, got %v", c.Gains.Mic)
	}
	if c.Output.Mp3BitrateKbps != 0 && (c.Output.Mp3BitrateKbps < 64 || c.Output.Mp3BitrateKbps > 320) {
		return fmt.Errorf("output.mp3_bitrate_kbps must be 0 or in [64, 320], got %d", c.Output.Mp3BitrateKbps)
	}
	if strings.TrimSpace(c.Output.Directory) == "" {
		return fmt.Errorf("output.directory must not be empty")
	}
	return nil
}

// Save writes cfg to path as YAML, matching the teacher's Save/
// WriteConfig round-trip via a fresh viper instance.
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.Set("devices", c.Devices)
	v.Set("gains", c.Gains)
	v.Set("output", c.Output)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Default returns a copy of the built-in default configuration.
func Default() Config {
	return defaultConfig
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
