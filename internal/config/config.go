package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration. Values come from the YAML file
// (when present) and are then overridden by environment variables, so a
// containerized deployment can run file-less.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	// DatabaseDSN is the connection string for the backend chosen by
	// DatabaseDriver: a postgres DSN ("host=... user=...") or a sqlite
	// path. Empty means sqlite at <media_base_path>/streamd.db.
	DatabaseDSN    string `yaml:"database_dsn"`
	DatabaseDriver string `yaml:"database_driver"` // "sqlite" (default) | "postgres"

	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`

	MediaBasePath string `yaml:"media_base_path"`

	// Hardware acceleration policy.
	HwaccelEnabled bool   `yaml:"hwaccel_enabled"`
	HwaccelAuto    bool   `yaml:"hwaccel_auto"`
	NVENCPreset    string `yaml:"nvenc_preset"`
	VAAPIDevice    string `yaml:"vaapi_device"` // default render node

	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	MaxLogEntriesPerChannel int `yaml:"max_log_entries_per_channel"`

	// Restart budget: attempts allowed within the rolling window before a
	// channel is parked in error until operator intervention.
	RestartMaxAttempts int           `yaml:"restart_max_attempts"`
	RestartWindow      time.Duration `yaml:"restart_window"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:              ":8085",
		DatabaseDriver:          "sqlite",
		FFmpegPath:              "ffmpeg",
		FFprobePath:             "ffprobe",
		MediaBasePath:           "/var/lib/streamd/media",
		HwaccelEnabled:          true,
		HwaccelAuto:             false,
		VAAPIDevice:             "/dev/dri/renderD128",
		HealthCheckInterval:     30 * time.Second,
		MaxLogEntriesPerChannel: 1000,
		RestartMaxAttempts:      25,
		RestartWindow:           2 * time.Minute,
	}
}

// Load reads the YAML file at path (optional) and applies environment
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.RestartMaxAttempts < 1 {
		return nil, fmt.Errorf("restart_max_attempts must be >= 1")
	}
	if cfg.HealthCheckInterval < time.Second {
		return nil, fmt.Errorf("health_check_interval must be >= 1s")
	}
	return cfg, nil
}

// applyEnv maps the recognized environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("FFMPEG_PATH"); v != "" {
		c.FFmpegPath = v
	}
	if v := os.Getenv("FFPROBE_PATH"); v != "" {
		c.FFprobePath = v
	}
	if v := os.Getenv("FFMPEG_HWACCEL_ENABLED"); v != "" {
		c.HwaccelEnabled = v != "false"
	}
	if v := os.Getenv("FFMPEG_HWACCEL_AUTO"); v != "" {
		c.HwaccelAuto = v == "true"
	}
	if v := os.Getenv("NVENC_PRESET"); v != "" {
		c.NVENCPreset = v
	}
	if v := os.Getenv("MEDIA_BASE_PATH"); v != "" {
		c.MediaBasePath = v
	}
	if v := os.Getenv("HEALTH_CHECK_INTERVAL"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.HealthCheckInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("MAX_LOG_ENTRIES_PER_CHANNEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxLogEntriesPerChannel = n
		}
	}
	if v := os.Getenv("STREAMD_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("STREAMD_DATABASE_DSN"); v != "" {
		c.DatabaseDSN = v
	}
	if v := os.Getenv("STREAMD_DATABASE_DRIVER"); v != "" {
		c.DatabaseDriver = v
	}
}
