// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for chainfs tools.
type Config struct {
	// Device configures the volume device.
	Device DeviceConfig `yaml:"device"`

	// Engine configures transaction and reclamation policy.
	Engine EngineConfig `yaml:"engine"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`
}

// DeviceConfig locates and sizes the volume device.
type DeviceConfig struct {
	// Path is the device file. ${VAR} references are expanded after
	// loading.
	Path string `yaml:"path"`

	// Size is the device size, used by chainfs-mkfs when creating the
	// device. Ignored on mount; the device's own size governs.
	Size Bytes `yaml:"size"`

	// RegionSize is the allocation region size, fixed at format time.
	// Must be a power of two and a multiple of the largest block
	// size.
	RegionSize Bytes `yaml:"region_size"`
}

// EngineConfig is runtime policy for the mounted volume.
type EngineConfig struct {
	// Codec is the compression tried first for data blocks: "none",
	// "lz4", or "zstd".
	Codec string `yaml:"codec"`

	// RetentionWindow is the minimum wall-clock hold on pending-free
	// blocks beyond the transaction horizons. Zero means the horizons
	// alone decide.
	RetentionWindow Duration `yaml:"retention_window"`

	// SweepInterval is the background reclaim cadence. Zero disables
	// the sweep.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// LogConfig configures the slog handler the tools build.
type LogConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns a Config with usable development defaults;
// everything but the device path is optional in the file.
func Default() Config {
	return Config{
		Device: DeviceConfig{
			Size:       1 << 30,
			RegionSize: 8 << 20,
		},
		Engine: EngineConfig{
			Codec:         "zstd",
			SweepInterval: Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the file named by the CHAINFS_CONFIG environment
// variable. Unset means defaults only.
func Load() (Config, error) {
	path := os.Getenv("CHAINFS_CONFIG")
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads and validates one configuration file, applied over
// the defaults. Unknown keys are errors: a typo must not silently
// fall back to a default.
func LoadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(strings.NewReader(string(raw)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.Device.Path = os.ExpandEnv(cfg.Device.Path)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validating %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every field that has an invalid representation.
func (c Config) Validate() error {
	if c.Device.Size <= 0 {
		return fmt.Errorf("device size must be positive, got %d", c.Device.Size)
	}
	if c.Device.RegionSize <= 0 || c.Device.RegionSize&(c.Device.RegionSize-1) != 0 {
		return fmt.Errorf("region size %d is not a positive power of two", c.Device.RegionSize)
	}
	switch c.Engine.Codec {
	case "none", "lz4", "zstd":
	default:
		return fmt.Errorf("unknown codec %q (want none, lz4, or zstd)", c.Engine.Codec)
	}
	if c.Engine.RetentionWindow < 0 || c.Engine.SweepInterval < 0 {
		return fmt.Errorf("retention window and sweep interval must not be negative")
	}
	if _, err := c.Log.slogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", c.Log.Format)
	}
	return nil
}

// Logger builds the slog logger the Log section describes, writing to
// w. Call after Validate (or LoadFile, which validates).
func (c Config) Logger(w *os.File) *slog.Logger {
	level, err := c.Log.slogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	options := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, options))
	}
	return slog.New(slog.NewTextHandler(w, options))
}

func (l LogConfig) slogLevel() (slog.Level, error) {
	switch l.Level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (want debug, info, warn, or error)", l.Level)
	}
}

// Bytes is a byte count that unmarshals from a plain integer or a
// power-of-two suffixed string such as "64KiB" or "8MiB".
type Bytes int64

// byteSuffixes maps accepted size suffixes to their multipliers.
// Checked longest-first so "KiB" wins over "B".
var byteSuffixes = []struct {
	suffix     string
	multiplier int64
}{
	{"KiB", 1 << 10},
	{"MiB", 1 << 20},
	{"GiB", 1 << 30},
	{"TiB", 1 << 40},
	{"B", 1},
}

// ParseBytes parses a byte count string.
func ParseBytes(s string) (Bytes, error) {
	trimmed := strings.TrimSpace(s)
	for _, entry := range byteSuffixes {
		if !strings.HasSuffix(trimmed, entry.suffix) {
			continue
		}
		digits := strings.TrimSpace(strings.TrimSuffix(trimmed, entry.suffix))
		n, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("byte size %q: %w", s, err)
		}
		return Bytes(n * entry.multiplier), nil
	}
	n, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("byte size %q: want an integer or a KiB/MiB/GiB/TiB suffix", s)
	}
	return Bytes(n), nil
}

func (b Bytes) String() string {
	for i := len(byteSuffixes) - 2; i >= 0; i-- {
		entry := byteSuffixes[i]
		if int64(b) >= entry.multiplier && int64(b)%entry.multiplier == 0 {
			return fmt.Sprintf("%d%s", int64(b)/entry.multiplier, entry.suffix)
		}
	}
	return strconv.FormatInt(int64(b), 10)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *Bytes) UnmarshalYAML(node *yaml.Node) error {
	var asInt int64
	if err := node.Decode(&asInt); err == nil {
		*b = Bytes(asInt)
		return nil
	}
	var asString string
	if err := node.Decode(&asString); err != nil {
		return fmt.Errorf("byte size must be an integer or a string, got %s", node.Tag)
	}
	parsed, err := ParseBytes(asString)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Duration is a time.Duration that unmarshals from Go duration syntax
// ("30s", "5m").
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var asString string
	if err := node.Decode(&asString); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\", got %s", node.Tag)
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("duration %q: %w", asString, err)
	}
	*d = Duration(parsed)
	return nil
}
