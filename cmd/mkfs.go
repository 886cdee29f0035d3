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

package cmd

import (
	"fmt"
	"log"
	"os"

	corefs "github.com/corefs-project/corefs"
	"github.com/corefs-project/corefs/internal/device"
	"github.com/corefs-project/corefs/internal/ondisk"
	"github.com/spf13/cobra"
)

var mkfsCmd = &cobra.Command{
	Use:   "mkfs",
	Short: "Format a new corefs image.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.New(os.Stderr, "mkfs: ", log.LstdFlags)

		dev, err := device.OpenFileDevice(Cfg.Image.Path, Cfg.Image.Blocks, true)
		if err != nil {
			return fmt.Errorf("mkfs: %w", err)
		}
		defer dev.Close()

		_, err = corefs.Mkfs(cmd.Context(), dev, ondisk.RootDev, corefs.MkfsConfig{
			Size:    Cfg.Image.Blocks,
			Ninodes: Cfg.Image.Ninodes,
		}, logger)
		if err != nil {
			return fmt.Errorf("mkfs: %w", err)
		}
		fmt.Printf("formatted %s: %d blocks, %d inodes\n", Cfg.Image.Path, Cfg.Image.Blocks, Cfg.Image.Ninodes)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mkfsCmd)
}
