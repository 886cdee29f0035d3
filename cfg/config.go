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

package cfg

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BindFlags registers every Config field as a persistent flag on flagSet
// and binds it into viper under the same dotted key its mapstructure tag
// names, so flag and config-file values resolve through one precedence
// order (flag > config file > default).
func BindFlags(flagSet *pflag.FlagSet) error {
	d := Default()

	flagSet.String("image.path", d.Image.Path, "Path to the on-disk filesystem image.")
	flagSet.Uint32("image.blocks", d.Image.Blocks, "Total blocks in a freshly formatted image.")
	flagSet.Uint32("image.ninodes", d.Image.Ninodes, "Inode slots reserved by mkfs.")
	flagSet.String("mount.dir", d.Mount.Dir, "Directory to FUSE-mount the filesystem at.")
	flagSet.Duration("mount.attr-ttl", d.Mount.AttrTTL, "Attribute cache TTL; decoded only, the FUSE adapter always uses one second.")
	flagSet.String("logging.severity", string(d.Logging.Severity), "Logger severity: DEBUG, INFO, WARNING, or ERROR; validated only, loggers do not filter by it.")
	flagSet.String("monitoring.addr", d.Monitoring.Addr, "Non-empty enables periodic OpenTelemetry metrics export to the process log; the value is not used as an address.")

	for _, key := range []string{
		"image.path", "image.blocks", "image.ninodes",
		"mount.dir", "mount.attr-ttl",
		"logging.severity",
		"monitoring.addr",
	} {
		if err := viper.BindPFlag(key, flagSet.Lookup(key)); err != nil {
			return fmt.Errorf("cfg: bind flag %s: %w", key, err)
		}
	}
	return nil
}

// Decode unmarshals v's current state (flags, config file)
// into a Config, validating enum-typed fields via DecoderOption.
func Decode(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c, DecoderOption); err != nil {
		return Config{}, fmt.Errorf("cfg: decode: %w", err)
	}
	return c, nil
}
