// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// chainfs-mkfs formats a chainfs volume: a fixed-size device file
// with dual superblock slots and an empty allocation space. The root
// directory is created on first mount.
//
// Geometry comes from a YAML config file (--config or CHAINFS_CONFIG)
// with individual flags overriding it. Formatting never overwrites an
// existing file unless --force is given.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chainfs/lib/config"
	"github.com/bureau-foundation/chainfs/lib/version"
	"github.com/bureau-foundation/chainfs/lib/volume"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chainfs-mkfs: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var devicePath string
	var sizeFlag string
	var regionFlag string
	var force bool

	flagSet := pflag.NewFlagSet("chainfs-mkfs", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML config file (default: $CHAINFS_CONFIG)")
	flagSet.StringVar(&devicePath, "device", "", "device file to create (overrides config)")
	flagSet.StringVar(&sizeFlag, "size", "", "device size, e.g. 32GiB (overrides config)")
	flagSet.StringVar(&regionFlag, "region-size", "", "allocation region size, e.g. 8MiB (overrides config)")
	flagSet.BoolVar(&force, "force", false, "unlink an existing device file first")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("chainfs-mkfs")
		return nil
	}
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if devicePath != "" {
		cfg.Device.Path = devicePath
	}
	if sizeFlag != "" {
		if cfg.Device.Size, err = config.ParseBytes(sizeFlag); err != nil {
			return err
		}
	}
	if regionFlag != "" {
		if cfg.Device.RegionSize, err = config.ParseBytes(regionFlag); err != nil {
			return err
		}
	}
	if cfg.Device.Path == "" {
		return fmt.Errorf("no device path: pass --device or set device.path in the config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if force {
		if err := os.Remove(cfg.Device.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing existing device: %w", err)
		}
	}

	if err := volume.Format(cfg.Device.Path, volume.FormatConfig{
		Size:       int64(cfg.Device.Size),
		RegionSize: int64(cfg.Device.RegionSize),
	}); err != nil {
		return err
	}

	// Mount once to create the root directory and report the result.
	v, err := volume.Mount(cfg.Device.Path, volume.MountOptions{
		Logger: cfg.Logger(os.Stderr),
	})
	if err != nil {
		return fmt.Errorf("initializing formatted volume: %w", err)
	}
	sb := v.Superblock()
	if err := v.Close(); err != nil {
		return err
	}

	fmt.Printf("formatted %s\n", cfg.Device.Path)
	fmt.Printf("  volume id:   %s\n", sb.VolumeID)
	fmt.Printf("  device size: %s\n", cfg.Device.Size)
	fmt.Printf("  data space:  %s in %d regions of %s\n",
		config.Bytes(sb.DataSize), sb.DataSize/sb.RegionSize, config.Bytes(sb.RegionSize))
	return nil
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
