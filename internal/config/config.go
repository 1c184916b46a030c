package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Verification
	VerificationEnabled bool   `mapstructure:"verification-enabled"`
	ValidationMode      string `mapstructure:"validation-mode"`

	// Write pipeline
	BufferSize  int64 `mapstructure:"buffer-size"`
	BufferCount int   `mapstructure:"buffer-count"`

	// Drive scanning
	ProbeMaxDrives int           `mapstructure:"probe-max-drives"`
	RescanInterval time.Duration `mapstructure:"rescan-interval"`

	// Unmount retry policy
	UnmountAttempts  int           `mapstructure:"unmount-attempts"`
	UnmountBaseDelay time.Duration `mapstructure:"unmount-base-delay"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	viper.SetDefault("verification-enabled", true)
	viper.SetDefault("validation-mode", "full")
	viper.SetDefault("buffer-size", int64(64*1024*1024))
	viper.SetDefault("buffer-count", 16)
	viper.SetDefault("probe-max-drives", 128)
	viper.SetDefault("rescan-interval", 5*time.Second)
	viper.SetDefault("unmount-attempts", 5)
	viper.SetDefault("unmount-base-delay", 100*time.Millisecond)

	// Environment variables (will be DRIVEFLASH_BUFFER_SIZE, etc.)
	viper.SetEnvPrefix("DRIVEFLASH")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.driveflash")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	switch strings.ToLower(c.ValidationMode) {
	case "full", "sample", "skip", "none":
	default:
		return fmt.Errorf("validation-mode must be full, sample or skip")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer-size must be positive")
	}
	if c.BufferCount <= 0 {
		return fmt.Errorf("buffer-count must be positive")
	}
	if c.ProbeMaxDrives <= 0 {
		return fmt.Errorf("probe-max-drives must be positive")
	}
	if c.RescanInterval <= 0 {
		return fmt.Errorf("rescan-interval must be positive")
	}
	if c.UnmountAttempts <= 0 {
		return fmt.Errorf("unmount-attempts must be positive")
	}
	if c.UnmountBaseDelay <= 0 {
		return fmt.Errorf("unmount-base-delay must be positive")
	}
	return nil
}
