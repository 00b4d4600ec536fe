// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chainfs.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}
	if cfg.Engine.Codec != "zstd" {
		t.Errorf("default codec: got %q, want zstd", cfg.Engine.Codec)
	}
	if cfg.Device.RegionSize != 8<<20 {
		t.Errorf("default region size: got %d, want %d", cfg.Device.RegionSize, 8<<20)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
device:
  path: /var/lib/chainfs/vol0.img
  size: 32GiB
  region_size: 1MiB
engine:
  codec: lz4
  retention_window: 5m
  sweep_interval: 10s
log:
  level: debug
  format: json
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Device.Path != "/var/lib/chainfs/vol0.img" {
		t.Errorf("device path: got %q", cfg.Device.Path)
	}
	if cfg.Device.Size != 32<<30 {
		t.Errorf("device size: got %d, want %d", cfg.Device.Size, int64(32)<<30)
	}
	if cfg.Device.RegionSize != 1<<20 {
		t.Errorf("region size: got %d, want %d", cfg.Device.RegionSize, 1<<20)
	}
	if cfg.Engine.Codec != "lz4" {
		t.Errorf("codec: got %q, want lz4", cfg.Engine.Codec)
	}
	if cfg.Engine.RetentionWindow.Std() != 5*time.Minute {
		t.Errorf("retention window: got %s, want 5m", cfg.Engine.RetentionWindow)
	}
	if cfg.Engine.SweepInterval.Std() != 10*time.Second {
		t.Errorf("sweep interval: got %s, want 10s", cfg.Engine.SweepInterval)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log section: got %+v", cfg.Log)
	}
}

func TestLoadFilePartialKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
device:
  path: /tmp/vol.img
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Engine.Codec != "zstd" {
		t.Errorf("codec default lost: got %q", cfg.Engine.Codec)
	}
	if cfg.Engine.SweepInterval.Std() != 30*time.Second {
		t.Errorf("sweep interval default lost: got %s", cfg.Engine.SweepInterval)
	}
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
device:
  path: /tmp/vol.img
  sizee: 32GiB
`)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("config with a misspelled key loaded successfully")
	}
}

func TestLoadFileExpandsPath(t *testing.T) {
	t.Setenv("CHAINFS_TEST_DIR", "/srv/volumes")
	path := writeConfig(t, `
device:
  path: ${CHAINFS_TEST_DIR}/vol0.img
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Device.Path != "/srv/volumes/vol0.img" {
		t.Errorf("expanded path: got %q", cfg.Device.Path)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	path := writeConfig(t, `
device:
  path: /tmp/vol.img
engine:
  codec: none
`)
	t.Setenv("CHAINFS_CONFIG", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.Codec != "none" {
		t.Errorf("codec: got %q, want none", cfg.Engine.Codec)
	}

	t.Setenv("CHAINFS_CONFIG", "")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load without CHAINFS_CONFIG failed: %v", err)
	}
	if cfg.Engine.Codec != "zstd" {
		t.Errorf("unset CHAINFS_CONFIG did not yield defaults")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero size", func(c *Config) { c.Device.Size = 0 }},
		{"odd region", func(c *Config) { c.Device.RegionSize = 3 << 20 }},
		{"bad codec", func(c *Config) { c.Engine.Codec = "brotli" }},
		{"negative retention", func(c *Config) { c.Engine.RetentionWindow = Duration(-time.Second) }},
		{"bad level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("%s validated successfully", tc.name)
			}
		})
	}
}

func TestParseBytes(t *testing.T) {
	cases := []struct {
		in   string
		want Bytes
	}{
		{"0", 0},
		{"4096", 4096},
		{"64KiB", 64 << 10},
		{"8MiB", 8 << 20},
		{"32GiB", 32 << 30},
		{"2TiB", 2 << 40},
		{"512B", 512},
	}
	for _, tc := range cases {
		got, err := ParseBytes(tc.in)
		if err != nil {
			t.Errorf("ParseBytes(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseBytes(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
	for _, bad := range []string{"", "fast", "12XB", "1.5GiB"} {
		if _, err := ParseBytes(bad); err == nil {
			t.Errorf("ParseBytes(%q) succeeded", bad)
		}
	}
}

func TestBytesString(t *testing.T) {
	if got := Bytes(8 << 20).String(); got != "8MiB" {
		t.Errorf("Bytes(8MiB).String() = %q", got)
	}
	if got := Bytes(1000).String(); got != "1000" {
		t.Errorf("Bytes(1000).String() = %q", got)
	}
}
