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
	"github.com/corefs-project/corefs/clock"
	"github.com/corefs-project/corefs/internal/device"
	"github.com/corefs-project/corefs/internal/fuseadapter"
	"github.com/corefs-project/corefs/internal/metrics"
	"github.com/corefs-project/corefs/internal/ondisk"
	"github.com/spf13/cobra"
)

var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Mount an image as a real filesystem via FUSE, blocking until unmounted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if Cfg.Mount.Dir == "" {
			return fmt.Errorf("mount: --mount.dir is required")
		}
		logger := log.New(os.Stderr, "mount: ", log.LstdFlags)

		if Cfg.Monitoring.Addr != "" {
			metricsLogger := log.New(os.Stderr, "metrics: ", log.LstdFlags)
			shutdown := metrics.Configure(metricsLogger, 0)
			defer shutdown(cmd.Context())
		}

		dev, err := device.OpenFileDevice(Cfg.Image.Path, Cfg.Image.Blocks, false)
		if err != nil {
			return fmt.Errorf("mount: %w", err)
		}
		defer dev.Close()

		corefsFS, err := corefs.Open(cmd.Context(), dev, ondisk.RootDev, logger)
		if err != nil {
			return fmt.Errorf("mount: %w", err)
		}

		adapter := fuseadapter.New(
			corefsFS.Inodes, corefsFS.Paths, corefsFS.Files, corefsFS.Log,
			corefsFS.DevNum(), clock.RealClock{}, logger)

		mfs, err := fuseadapter.Mount(cmd.Context(), Cfg.Mount.Dir, adapter)
		if err != nil {
			return fmt.Errorf("mount: %w", err)
		}
		logger.Printf("mounted %s at %s", Cfg.Image.Path, Cfg.Mount.Dir)
		return mfs.Join(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mountCmd)
}
