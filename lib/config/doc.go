// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for chainfs
// tools.
//
// Configuration is loaded from a single file specified by either the
// CHAINFS_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search; this keeps configuration
// deterministic and auditable. Command-line flags override individual
// values on top of the loaded file.
//
// Byte sizes accept power-of-two suffixes ("64KiB", "8MiB", "32GiB")
// and plain integers; durations use Go syntax ("30s", "5m"). The
// device path expands ${VAR} environment references after loading.
//
// This package depends on no other chainfs packages.
package config
