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

// Package corefs wires internal/device, internal/walog, internal/bcache,
// internal/balloc, internal/inode, internal/pathfs and internal/vfile into
// one filesystem instance. It replaces the global bcache/icache/ftable
// singletons a kernel would use with an explicit context value threaded
// through every constructor, per the module's design notes. The layers
// below it keep no package-level filesystem state; the only package-level
// state they reach is internal/metrics' OpenTelemetry instruments.
package corefs

import (
	"context"
	"fmt"
	"log"

	"github.com/corefs-project/corefs/internal/balloc"
	"github.com/corefs-project/corefs/internal/bcache"
	"github.com/corefs-project/corefs/internal/device"
	"github.com/corefs-project/corefs/internal/inode"
	"github.com/corefs-project/corefs/internal/ondisk"
	"github.com/corefs-project/corefs/internal/pathfs"
	"github.com/corefs-project/corefs/internal/vfile"
	"github.com/corefs-project/corefs/internal/walog"
)

// DefaultHintCapacity bounds the pathfs name-lookup accelerator. It is
// sized as a small multiple of NInode since a hint only ever helps while
// the directory it names is already in the inode cache.
const DefaultHintCapacity = 4 * ondisk.NInode

// FS is one mounted filesystem instance: every layer of the core, wired
// over a single internal/device.Device.
type FS struct {
	Dev    device.Device
	Cache  *bcache.Cache
	Log    walog.Log
	Alloc  *balloc.Allocator
	Inodes *inode.Cache
	Paths  *pathfs.Resolver
	Files  *vfile.Table
	Super  ondisk.Superblock

	devNum uint32
	logger *log.Logger
}

// Open reads the super block from dev (block 1), validates its magic, and
// wires a full FS instance over it. devNum is the device number recorded
// against every buffer and inode cached from dev (ondisk.RootDev for the
// single-device case this module supports).
func Open(ctx context.Context, dev device.Device, devNum uint32, logger *log.Logger) (*FS, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "corefs: ", log.LstdFlags)
	}

	raw := make([]byte, ondisk.BlockSize)
	// The super block itself predates any log or cache machinery, so it
	// is read directly off the device rather than through bcache.
	if err := dev.ReadBlock(ctx, 1, raw); err != nil {
		return nil, fmt.Errorf("corefs: read super block: %w", err)
	}
	sb, err := ondisk.UnmarshalSuperblock(raw)
	if err != nil {
		return nil, fmt.Errorf("corefs: mount: %w", err)
	}

	fs := buildLayers(dev, devNum, sb, logger)
	logger.Printf("mounted device %d: %d blocks, %d inodes, bitmap at %d, inodes at %d",
		devNum, sb.Size, sb.Ninodes, sb.BmapStart, sb.InodeStart)
	return fs, nil
}

// buildLayers constructs every layer over an already-known super block,
// shared by Open (super block read from disk) and Mkfs (super block just
// written).
func buildLayers(dev device.Device, devNum uint32, sb ondisk.Superblock, logger *log.Logger) *FS {
	cache := bcache.NewCache(dev, log.New(logger.Writer(), "bcache: ", log.LstdFlags))
	wl := walog.NewOpBoundedLog(ondisk.MaxOpBlocks)
	alloc := balloc.New(cache, wl, devNum, sb)
	inodes := inode.New(cache, wl, alloc, devNum, sb)
	paths := pathfs.NewResolver(inodes, devNum, DefaultHintCapacity)
	files := vfile.NewTable(inodes, wl)

	return &FS{
		Dev:    dev,
		Cache:  cache,
		Log:    wl,
		Alloc:  alloc,
		Inodes: inodes,
		Paths:  paths,
		Files:  files,
		Super:  sb,
		devNum: devNum,
		logger: logger,
	}
}

// DevNum returns the device number this FS instance was mounted against.
func (fs *FS) DevNum() uint32 { return fs.devNum }

// RegisterDevice installs d as the handler for TypeDev inodes carrying
// the given major number, forwarding to the wrapped inode.Cache.
func (fs *FS) RegisterDevice(major uint16, d inode.DevSW) {
	fs.Inodes.RegisterDevice(major, d)
}

// Root returns a referenced, unlocked inode for the filesystem's root
// directory.
func (fs *FS) Root() *inode.Inode {
	return fs.Inodes.Iget(fs.devNum, ondisk.RootIno)
}
