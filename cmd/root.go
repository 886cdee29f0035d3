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

// Package cmd is the corefs command-line front end: mkfs formats a new
// image, fsck walks one checking its invariants, shell opens an
// interactive session over it, and mount exposes it as a real FUSE mount.
package cmd

import (
	"fmt"
	"os"

	"github.com/corefs-project/corefs/cfg"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error

	// Cfg is the fully decoded configuration every subcommand reads from.
	Cfg cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "corefs",
	Short: "Format, check, browse, and mount a corefs filesystem image.",
	Long: `corefs is a small, crash-recoverable hierarchical filesystem over a
single block device image. Its subcommands format a fresh image (mkfs),
validate an existing one's on-disk invariants (fsck), browse it from a
line-oriented shell, or mount it as a real filesystem via FUSE.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		return unmarshalErr
	},
}

// Execute runs the root command, printing any error to stderr and exiting
// non-zero.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			configFileErr = fmt.Errorf("cmd: reading config file %s: %w", cfgFile, err)
			return
		}
	}
	Cfg, unmarshalErr = cfg.Decode(viper.GetViper())
}
