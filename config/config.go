// Package config loads cropsy settings: defaults, then an optional YAML
// file, then CROPSY_* environment variables (a .env file is honoured).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/niopeng/cropsy/export"
)

// DefaultPath is looked up in the working directory when no file is given.
const DefaultPath = "cropsy.yaml"

type Config struct {
	Export  ExportConfig  `yaml:"export"`
	Server  ServerConfig  `yaml:"server"`
	Watch   WatchConfig   `yaml:"watch"`
	Logging LoggingConfig `yaml:"logging"`
}

type ExportConfig struct {
	OutputDir  string        `yaml:"output_dir"`
	Format     string        `yaml:"format"`
	Quality    int           `yaml:"quality"`
	Prefix     string        `yaml:"prefix"`
	PauseEvery int           `yaml:"pause_every"`
	Pause      time.Duration `yaml:"pause"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr"`
	PreviewMax   int    `yaml:"preview_max"`
	PreviewCache int    `yaml:"preview_cache"`
}

type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

func DefaultConfig() *Config {
	return &Config{
		Export: ExportConfig{
			OutputDir:  "cropped",
			Format:     string(export.JPEG),
			Quality:    export.DefaultQuality,
			PauseEvery: 5,
			Pause:      100 * time.Millisecond,
		},
		Server: ServerConfig{
			Addr:         "127.0.0.1:8420",
			PreviewMax:   1024,
			PreviewCache: 128,
		},
		Watch: WatchConfig{
			Debounce: 500 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate puts out-of-range values back to their defaults. Only an unknown
// output format is an error.
func (c *Config) Validate() error {
	d := DefaultConfig()
	f, err := export.ParseFormat(c.Export.Format)
	if err != nil {
		return err
	}
	c.Export.Format = string(f)
	if c.Export.Quality < 1 || c.Export.Quality > 100 {
		c.Export.Quality = d.Export.Quality
	}
	if c.Export.OutputDir == "" {
		c.Export.OutputDir = d.Export.OutputDir
	}
	if c.Export.PauseEvery < 0 {
		c.Export.PauseEvery = 0
	}
	if c.Export.Pause < 0 {
		c.Export.Pause = 0
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.PreviewMax <= 0 {
		c.Server.PreviewMax = d.Server.PreviewMax
	}
	if c.Server.PreviewCache <= 0 {
		c.Server.PreviewCache = d.Server.PreviewCache
	}
	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = d.Watch.Debounce
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
		c.Logging.Level = strings.ToLower(c.Logging.Level)
	default:
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format != "json" {
		c.Logging.Format = d.Logging.Format
	}
	return nil
}

// ExportOptions converts the export section for export.New.
func (c *Config) ExportOptions() export.Options {
	return export.Options{
		Format:     export.Format(c.Export.Format),
		Quality:    c.Export.Quality,
		Prefix:     c.Export.Prefix,
		PauseEvery: c.Export.PauseEvery,
		Pause:      c.Export.Pause,
	}
}

// Load reads path (a missing file means defaults), applies the environment
// and validates the result.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("CROPSY_OUTPUT_DIR", &c.Export.OutputDir)
	str("CROPSY_FORMAT", &c.Export.Format)
	str("CROPSY_PREFIX", &c.Export.Prefix)
	str("CROPSY_ADDR", &c.Server.Addr)
	str("CROPSY_LOG_LEVEL", &c.Logging.Level)
	str("CROPSY_LOG_FORMAT", &c.Logging.Format)
	return errors.Join(
		num("CROPSY_QUALITY", &c.Export.Quality),
		num("CROPSY_PAUSE_EVERY", &c.Export.PauseEvery),
		dur("CROPSY_PAUSE", &c.Export.Pause),
		num("CROPSY_PREVIEW_MAX", &c.Server.PreviewMax),
		num("CROPSY_PREVIEW_CACHE", &c.Server.PreviewCache),
		dur("CROPSY_WATCH_DEBOUNCE", &c.Watch.Debounce),
	)
}
