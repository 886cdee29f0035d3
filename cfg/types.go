// Copyright 2024 The corefs Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cfg declares the configuration surface the cmd package binds to
// command-line flags and a config file through spf13/viper, and decodes
// into with mitchellh/mapstructure.
package cfg

import "time"

// LogSeverity mirrors the small enum of acceptable logger verbosities.
type LogSeverity string

const (
	SeverityDebug LogSeverity = "DEBUG"
	SeverityInfo  LogSeverity = "INFO"
	SeverityWarn  LogSeverity = "WARNING"
	SeverityError LogSeverity = "ERROR"
)

// Config is the full set of knobs the corefs CLI exposes, bound the same
// way regardless of whether a value came from a flag or a YAML config
// file.
type Config struct {
	Image      ImageConfig      `yaml:"image" mapstructure:"image"`
	Mount      MountConfig      `yaml:"mount" mapstructure:"mount"`
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// ImageConfig describes the backing device mkfs/fsck/shell/mount operate
// against.
type ImageConfig struct {
	Path    string `yaml:"path" mapstructure:"path"`
	Blocks  uint32 `yaml:"blocks" mapstructure:"blocks"`
	Ninodes uint32 `yaml:"ninodes" mapstructure:"ninodes"`
}

// MountConfig controls the FUSE mount adapter.
type MountConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
	// AttrTTL is decoded but not passed to the FUSE adapter, which always
	// uses its own fixed one-second attribute TTL.
	AttrTTL time.Duration `yaml:"attr-ttl" mapstructure:"attr-ttl"`
}

// LoggingConfig holds the logger severity. It is decoded and validated,
// but no logger reads it: the per-package *log.Logger instances threaded
// through the filesystem layers print every message.
type LoggingConfig struct {
	Severity LogSeverity `yaml:"severity" mapstructure:"severity"`
}

// MonitoringConfig controls whether OpenTelemetry metrics are exported.
type MonitoringConfig struct {
	// Addr, when non-empty, enables periodic metrics export; the value
	// itself is neither used as a listen address nor logged, since the
	// built-in exporter writes to the process log rather than serving a
	// scrape endpoint. Empty disables export, and
	// every instrument in internal/metrics remains a costless no-op.
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// Default returns a Config with the same geometry corefs.DefaultMkfsConfig
// uses, a one-second attribute TTL, and INFO-level logging.
func Default() Config {
	return Config{
		Image: ImageConfig{
			Path:    "corefs.img",
			Blocks:  1000,
			Ninodes: 200,
		},
		Mount: MountConfig{
			Dir:     "",
			AttrTTL: time.Second,
		},
		Logging: LoggingConfig{
			Severity: SeverityInfo,
		},
	}
}
