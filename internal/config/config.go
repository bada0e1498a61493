// Package config loads the daemon's runtime configuration: a Config struct
// populated from defaults, then an optional config file, then the
// RELAYD_-prefixed environment, the way the teacher's agent config layers
// viper under its own fields.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// Config holds every tunable named in the daemon's CLI flags plus the
// frame-loop/handshake/display constants that would otherwise be compiled
// in, so they can be tuned per deployment without a rebuild.
type Config struct {
	// Listen is the TCP port the daemon listens on.
	Listen string `mapstructure:"listen"`
	// Bind is the address the listener binds to.
	Bind       string `mapstructure:"bind"`
	PIDFile    string `mapstructure:"pid_file"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`
	LogFile    string `mapstructure:"log_file"`
	Foreground bool   `mapstructure:"foreground"`

	TLSCert string `mapstructure:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key"`

	SelectTimeoutSeconds    int `mapstructure:"select_timeout_seconds"`
	HandshakeTimeoutSeconds int `mapstructure:"handshake_timeout_seconds"`
	IdleTimeoutSeconds      int `mapstructure:"idle_timeout_seconds"`

	FrameStartTimeoutMS int `mapstructure:"frame_start_timeout_ms"`
	FrameDurationMS     int `mapstructure:"frame_duration_ms"`
	FrameTimeoutMS      int `mapstructure:"frame_timeout_ms"`

	// MaxStreams and MaxObjects are validated but not read by the session
	// layer: each user's stream and object tables are sized by the fixed
	// session.MaxStreams and session.MaxObjects constants (64 each).
	MaxStreams       int `mapstructure:"max_streams"`
	MaxObjects       int `mapstructure:"max_objects"`
	UpdateQueueDepth int `mapstructure:"update_queue_depth"`

	HeatCellSize      int     `mapstructure:"heat_cell_size"`
	HeatHighWatermark float64 `mapstructure:"heat_high_watermark_hz"`
	HeatLowWatermark  float64 `mapstructure:"heat_low_watermark_hz"`

	MaxWidth  int `mapstructure:"max_width"`
	MaxHeight int `mapstructure:"max_height"`
}

// Default returns the configuration the daemon runs with when no file or
// environment override is present, matching the constants named in §4.K,
// §4.E and the display's own defaults.
func Default() *Config {
	return &Config{
		Listen:    "4822",
		Bind:      "127.0.0.1",
		LogLevel:  "info",
		LogFormat: "text",

		SelectTimeoutSeconds:    15,
		HandshakeTimeoutSeconds: 15,
		IdleTimeoutSeconds:      120,

		FrameStartTimeoutMS: 250,
		FrameDurationMS:     40,
		FrameTimeoutMS:      12,

		MaxStreams:       64,
		MaxObjects:       64,
		UpdateQueueDepth: 256,

		HeatCellSize:      64,
		HeatHighWatermark: 15,
		HeatLowWatermark:  4,

		MaxWidth:  5120,
		MaxHeight: 3200,
	}
}

// Load builds a Config from Default(), an optional cfgFile, and the
// RELAYD_-prefixed environment, then runs tiered validation: fatal errors
// abort startup; fields that draw warnings are clamped in place, and the
// warnings themselves are not returned.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("relayd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("RELAYD")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read %s: %w", cfgFile, err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		return nil, fmt.Errorf("config: %w: %v", ErrInvalid, result.Fatals[0])
	}

	return cfg, nil
}

// configDir returns the platform-specific directory Load searches for
// relayd.yaml when no --config path is given.
func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "relayd")
	case "darwin":
		return "/Library/Application Support/relayd"
	default:
		return "/etc/relayd"
	}
}
