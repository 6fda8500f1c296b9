// Package config loads voicecommentary's runtime configuration: an
// optional YAML file read at startup, overlaid by command-line flag
// overrides.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable the engine, collection, and codec need.
// Zero values are not valid configuration; call Default to get a usable
// baseline before applying a file and/or flags.
type Config struct {
	CollectionPath string `yaml:"collection-path"`
	RrdataPath     string `yaml:"rrdata-path"`

	OpusBitrate    int `yaml:"opus-bitrate"`
	OpusMaxBitrate int `yaml:"opus-max-bitrate"`

	CaptureDevice  string `yaml:"capture-device"`
	PlaybackDevice string `yaml:"playback-device"`

	GPIOTangentChip string `yaml:"gpio-tangent-chip"`
	GPIOTangentLine int    `yaml:"gpio-tangent-line"`
}

// Default returns the baseline configuration used when neither a config
// file nor flags override a setting.
func Default() Config {
	return Config{
		CollectionPath:  "voice.vcfs",
		RrdataPath:      "voice.rr",
		OpusBitrate:     48000,
		OpusMaxBitrate:  255000,
		GPIOTangentLine: -1,
	}
}

// BindFlags registers every tunable on fs with cfg's current values as
// defaults, so flag overrides land directly in cfg when fs is parsed.
// Call after Load so the precedence is defaults < file < flags.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.CollectionPath, "collection", cfg.CollectionPath, "cluster filesystem image holding the voice streams")
	fs.StringVar(&cfg.RrdataPath, "rrdata", cfg.RrdataPath, "rerecord identifier backing file")
	fs.IntVar(&cfg.OpusBitrate, "opus-bitrate", cfg.OpusBitrate, "target encoder bitrate in bits/s")
	fs.IntVar(&cfg.OpusMaxBitrate, "opus-max-bitrate", cfg.OpusMaxBitrate, "per-packet byte budget upper bound in bits/s")
	fs.StringVar(&cfg.CaptureDevice, "capture-device", cfg.CaptureDevice, "capture device name substring, empty for default")
	fs.StringVar(&cfg.PlaybackDevice, "playback-device", cfg.PlaybackDevice, "playback device name substring, empty for default")
	fs.StringVar(&cfg.GPIOTangentChip, "gpio-tangent-chip", cfg.GPIOTangentChip, "GPIO chip of the hardware tangent switch, empty to disable")
	fs.IntVar(&cfg.GPIOTangentLine, "gpio-tangent-line", cfg.GPIOTangentLine, "GPIO line offset of the hardware tangent switch")
}

// Load reads path (if non-empty) as YAML into a copy of base, returning
// the merged result. A missing file is not an error; it just means
// nothing in base changes.
func Load(base Config, path string) (Config, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return base, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
